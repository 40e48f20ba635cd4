// Package elfobj models ELF relocatable objects in a bitness-independent way
// and implements the transformations needed to re-emit them in the other
// width: parsing, bitness switching, RELA-to-REL conversion and file layout.
package elfobj

import "debug/elf"

// Bitness selects between the two ELF classes. All semantic structures in
// this package are width-independent; the bitness only matters when encoding
// or decoding file bytes.
type Bitness int

const (
	Bits32 Bitness = 32
	Bits64 Bitness = 64
)

func (b Bitness) valid() bool {
	return b == Bits32 || b == Bits64
}

// Other returns the opposite bitness.
func (b Bitness) Other() Bitness {
	if b == Bits32 {
		return Bits64
	}

	return Bits32
}

func (b Bitness) String() string {
	if b == Bits32 {
		return "ELF32"
	}

	return "ELF64"
}

// The identification bytes can only ever take one of these two forms for the
// files we accept: System V, little-endian, ELF version 1.
var (
	identLinux32 = [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	identLinux64 = [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0}
)

// Ident returns the canonical identification bytes for the given bitness.
func Ident(b Bitness) [elf.EI_NIDENT]byte {
	if b == Bits32 {
		return identLinux32
	}

	return identLinux64
}

func machine(b Bitness) elf.Machine {
	if b == Bits32 {
		return elf.EM_386
	}

	return elf.EM_X86_64
}
