package thunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStub32To64Layout(t *testing.T) {
	stub, err := GetStub32To64(Signature{Name: "foo", Return: "int", Args: []string{"int"}})
	require.NoError(t, err)

	expected := []byte{
		0x57,             // push edi
		0x56,             // push esi
		0x83, 0xec, 0x04, // sub esp, 4
		0xff, 0x2c, 0x25, 0, 0, 0, 0, // far jump to 64-bit mode
		0x8b, 0x7c, 0x24, 0x10, // mov edi, [rsp + 16]
		0xe8, 0, 0, 0, 0, // call
		0x48, 0x89, 0xc2, // mov rdx, rax
		0x48, 0xc1, 0xea, 0x20, // shr rdx, 32
		0xff, 0x2c, 0x25, 0, 0, 0, 0, // far jump back to 32-bit mode
		0x83, 0xc4, 0x04, // add esp, 4
		0x5e, // pop esi
		0x5f, // pop edi
		0xc3, // ret
	}

	assert.Equal(t, expected, stub.Code)
	assert.Equal(t, 8, stub.FirstJumpRelOffset)
	assert.Equal(t, 17, stub.CallRelOffset)
	assert.Equal(t, 31, stub.SecondJumpRelOffset)
}

func TestGetStub64To32Layout(t *testing.T) {
	stub, err := GetStub64To32(Signature{Name: "foo", Return: "int", Args: []string{"int"}})
	require.NoError(t, err)

	// Six callee-saved pushes, an 8-byte argument area keeping the stack
	// 16-aligned, and one spilled argument register.
	assert.Equal(t, 20, stub.FirstJumpRelOffset)
	assert.Equal(t, 31, stub.CallRelOffset)
	assert.Equal(t, 38, stub.SecondJumpRelOffset)
	assert.Len(t, stub.Code, 59)
}

func TestStubZeroSlots(t *testing.T) {
	signatures := []Signature{
		{Name: "nop", Return: "void"},
		{Name: "f1", Return: "int", Args: []string{"int"}},
		{Name: "f2", Return: "longlong", Args: []string{"ptr", "int", "longlong"}},
		{Name: "f3", Return: "void", Args: []string{"long", "ulong", "uint", "int", "ptr", "longlong"}},
		{Name: "f4", Return: "ulonglong", Args: []string{"ulonglong", "ulonglong"}},
	}

	for _, sig := range signatures {
		for _, direction := range []struct {
			name string
			get  func(Signature) (*Stub, error)
		}{
			{"64to32", GetStub64To32},
			{"32to64", GetStub32To64},
		} {
			t.Run(sig.Name+"/"+direction.name, func(t *testing.T) {
				stub, err := direction.get(sig)
				require.NoError(t, err)

				for _, offset := range []int{stub.FirstJumpRelOffset, stub.CallRelOffset, stub.SecondJumpRelOffset} {
					assert.Equal(t, []byte{0, 0, 0, 0}, stub.Code[offset:offset+4], "slot at %d", offset)
				}
			})
		}
	}
}

func TestStubLongArgumentsUseSignExtension(t *testing.T) {
	stub, err := GetStub32To64(Signature{Name: "f", Return: "void", Args: []string{"long"}})
	require.NoError(t, err)

	// movsx rdi, dword [rsp + 16]
	assert.Contains(t, string(stub.Code), string([]byte{0x48, 0x63, 0x7c, 0x24, 0x10}))
}

func TestStubRejectsTooManyArguments(t *testing.T) {
	sig := Signature{Name: "f", Return: "void", Args: []string{"int", "int", "int", "int", "int", "int", "int"}}

	_, err := GetStub64To32(sig)
	assert.ErrorIs(t, err, ErrUnsupportedSignature)

	_, err = GetStub32To64(sig)
	assert.ErrorIs(t, err, ErrUnsupportedSignature)
}

func TestStubRejectsUnknownType(t *testing.T) {
	_, err := GetStub64To32(Signature{Name: "f", Return: "void", Args: []string{"float"}})
	assert.ErrorIs(t, err, ErrUnsupportedSignature)

	_, err = GetStub32To64(Signature{Name: "f", Return: "void", Args: []string{"quux"}})
	assert.ErrorIs(t, err, ErrUnsupportedSignature)

	_, err = GetStub64To32(Signature{Name: "f", Return: "quux"})
	assert.ErrorIs(t, err, ErrUnsupportedSignature)
}
