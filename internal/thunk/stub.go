package thunk

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/pgrzes/elfbridge/internal/asm"
)

var ErrInternalCodegen = errors.New("generated stub has a non-zero relocation slot")

// Far jump through a memory operand holding a 32-bit offset and a 16-bit
// code segment selector. This is the instruction that actually changes CPU
// mode; the zeroed operand address is filled in by a relocation.
var farJump = []byte{0xff, 0x2c, 0x25, 0x00, 0x00, 0x00, 0x00}

const farJumpRelPos = 3

// Near call with a zeroed PC-relative displacement, likewise filled in by a
// relocation.
var nearCall = []byte{0xe8, 0x00, 0x00, 0x00, 0x00}

const nearCallRelPos = 1

// System V argument registers by position, in both widths.
var argRegisters = [6]struct{ r64, r32 string }{
	{"rdi", "edi"},
	{"rsi", "esi"},
	{"rdx", "edx"},
	{"rcx", "ecx"},
	{"r8", "r8d"},
	{"r9", "r9d"},
}

// Stub is an assembled trampoline plus the offsets of its three zero-filled
// 32-bit relocation slots: the two far-jump operands and the call
// displacement.
type Stub struct {
	Code                []byte
	FirstJumpRelOffset  int
	CallRelOffset       int
	SecondJumpRelOffset int
}

func argRegister(position int, size int) (string, error) {
	if position >= len(argRegisters) {
		return "", fmt.Errorf("more than %d arguments: %w", len(argRegisters), ErrUnsupportedSignature)
	}

	if size == 8 {
		return argRegisters[position].r64, nil
	}

	return argRegisters[position].r32, nil
}

// returnMoves emits the 64-bit instructions that translate a return value
// from the 32-bit ABI's edx:eax convention back into rax.
func returnMoves(returnType string) (string, error) {
	if returnType == "void" {
		return "", nil
	}

	size, err := typeSize(returnType)
	if err != nil {
		return "", err
	}

	if size == 8 {
		return "mov eax, eax\nshl rdx, 32\nor rax, rdx\n", nil
	}

	return "mov eax, eax\n", nil
}

// GetStub64To32 builds the trampoline that lets 64-bit code call a function
// implemented with the 32-bit cdecl convention: callee-saved registers are
// preserved, register arguments are spilled to the stack, and a pair of far
// jumps brackets the 32-bit call.
func GetStub64To32(sig Signature) (*Stub, error) {
	argsSize, err := sig.argsSize()
	if err != nil {
		return nil, err
	}

	if len(sig.Args) > len(argRegisters) {
		return nil, fmt.Errorf("%s takes %d arguments: %w", sig.Name, len(sig.Args), ErrUnsupportedSignature)
	}

	// Six pushes put rsp at 8 mod 16; pad the argument area so the 32-bit
	// side sees a 16-byte aligned stack.
	stackAdjust := argsSize + ((8-argsSize)%16+16)%16

	front := &strings.Builder{}
	front.WriteString("push rbx\npush rbp\npush r12\npush r13\npush r14\npush r15\n")
	fmt.Fprintf(front, "sub rsp, %d\n", stackAdjust)

	offset := 0
	for position, typ := range sig.Args {
		size, err := typeSize(typ)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", position, sig.Name, err)
		}

		register, err := argRegister(position, size)
		if err != nil {
			return nil, err
		}

		fmt.Fprintf(front, "mov [rsp + %d], %s\n", offset, register)
		offset += size
	}

	// The 32-bit side runs with the compatibility-mode data selector.
	part32 := "push 0x2b\npop ds\npush 0x2b\npop es\n"

	returns, err := returnMoves(sig.Return)
	if err != nil {
		return nil, fmt.Errorf("return value of %s: %w", sig.Name, err)
	}

	back := returns +
		fmt.Sprintf("add rsp, %d\n", stackAdjust) +
		"pop r15\npop r14\npop r13\npop r12\npop rbp\npop rbx\nret\n"

	return assembleStub(front.String(), asm.AMD64, part32, asm.I386, back, asm.AMD64, "")
}

// GetStub32To64 builds the trampoline that exposes a 64-bit implementation
// to 32-bit cdecl callers: stack arguments are loaded into the System V
// registers, and the 64-bit return value is split into the edx:eax pair.
func GetStub32To64(sig Signature) (*Stub, error) {
	if len(sig.Args) > len(argRegisters) {
		return nil, fmt.Errorf("%s takes %d arguments: %w", sig.Name, len(sig.Args), ErrUnsupportedSignature)
	}

	front := "push edi\npush esi\nsub esp, 4\n"

	middle := &strings.Builder{}

	// Two saved registers, one alignment slot and the caller's return
	// address sit between rsp and the caller's argument area.
	offset := 16
	for position, typ := range sig.Args {
		size, err := typeSize(typ)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", position, sig.Name, err)
		}

		if typ == "long" {
			register, err := argRegister(position, 8)
			if err != nil {
				return nil, err
			}

			fmt.Fprintf(middle, "movsx %s, dword [rsp + %d]\n", register, offset)
		} else {
			register, err := argRegister(position, size)
			if err != nil {
				return nil, err
			}

			fmt.Fprintf(middle, "mov %s, [rsp + %d]\n", register, offset)
		}

		offset += size
	}

	afterCall := "mov rdx, rax\nshr rdx, 32\n"

	back := "add esp, 4\npop esi\npop edi\nret\n"

	return assembleStub(front, asm.I386, middle.String(), asm.AMD64, back, asm.I386, afterCall)
}

// assembleStub assembles the three textual parts, splices in the far jumps
// and the near call, and records the three relocation slot offsets. The
// optional afterCall text (same architecture as the middle part) runs
// between the call and the second far jump.
func assembleStub(frontSrc string, frontArch asm.Arch, middleSrc string, middleArch asm.Arch, backSrc string, backArch asm.Arch, afterCallSrc string) (*Stub, error) {
	front, err := asm.Assemble(frontSrc, frontArch)
	if err != nil {
		return nil, err
	}

	middle, err := asm.Assemble(middleSrc, middleArch)
	if err != nil {
		return nil, err
	}

	afterCallCode, err := asm.Assemble(afterCallSrc, middleArch)
	if err != nil {
		return nil, err
	}

	back, err := asm.Assemble(backSrc, backArch)
	if err != nil {
		return nil, err
	}

	code := &bytes.Buffer{}
	code.Write(front)
	code.Write(farJump)
	code.Write(middle)
	code.Write(nearCall)
	code.Write(afterCallCode)
	code.Write(farJump)
	code.Write(back)

	stub := &Stub{
		Code:                code.Bytes(),
		FirstJumpRelOffset:  len(front) + farJumpRelPos,
		CallRelOffset:       len(front) + len(farJump) + len(middle) + nearCallRelPos,
		SecondJumpRelOffset: len(front) + len(farJump) + len(middle) + len(nearCall) + len(afterCallCode) + farJumpRelPos,
	}

	if err := stub.checkZeroSlots(); err != nil {
		return nil, err
	}

	return stub, nil
}

// checkZeroSlots verifies every relocation slot holds four zero bytes. A
// violation means the emitter produced code the relocations would corrupt.
func (s *Stub) checkZeroSlots() error {
	for _, offset := range []int{s.FirstJumpRelOffset, s.CallRelOffset, s.SecondJumpRelOffset} {
		if offset+4 > len(s.Code) || !bytes.Equal(s.Code[offset:offset+4], []byte{0, 0, 0, 0}) {
			return fmt.Errorf("slot at offset %#x: %w", offset, ErrInternalCodegen)
		}
	}

	return nil
}
