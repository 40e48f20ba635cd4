package elfobj

import (
	"debug/elf"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedRelocation    = errors.New("unsupported relocation type")
	ErrUnsupportedBitnessChange = errors.New("bitness change not supported in this direction")
)

// Relocation is a width-independent relocation entry. Addend is only
// meaningful inside a RELA table; REL entries keep their addend in the bytes
// they patch.
type Relocation struct {
	Offset uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

// The info field packs symbol index and type with a bitness-dependent shift.
func relocationInfo(info uint64, b Bitness) (sym uint32, typ uint32) {
	if b == Bits32 {
		return uint32(info >> 8), uint32(info & 0xff)
	}

	return uint32(info >> 32), uint32(info & 0xffffffff)
}

// RelocationInfo assembles the packed info field for the given bitness.
func RelocationInfo(b Bitness, sym uint32, typ uint32) uint64 {
	if b == Bits32 {
		return uint64(sym)<<8 | uint64(typ&0xff)
	}

	return uint64(sym)<<32 | uint64(typ)
}

// Mapping of the 64-bit relocation types we can carry across a 64-to-32
// switch. PLT32 reduces to PC32 for objects that end up statically linked.
var relocationTypes64To32 = map[elf.R_X86_64]elf.R_386{
	elf.R_X86_64_32:    elf.R_386_32,
	elf.R_X86_64_32S:   elf.R_386_32,
	elf.R_X86_64_PC32:  elf.R_386_PC32,
	elf.R_X86_64_PLT32: elf.R_386_PC32,
}

// switchRelocationType maps a RELA entry's relocation type to the equivalent type in
// the target bitness. Only the 64-to-32 direction has a mapping table.
func switchRelocationType(typ uint32, to Bitness) (uint32, error) {
	if to == Bits64 {
		return 0, fmt.Errorf("cannot map relocation type %d to 64-bit: %w", typ, ErrUnsupportedBitnessChange)
	}

	mapped, ok := relocationTypes64To32[elf.R_X86_64(typ)]
	if !ok {
		return 0, fmt.Errorf("no 32-bit equivalent for %v: %w", elf.R_X86_64(typ), ErrUnsupportedRelocation)
	}

	return uint32(mapped), nil
}

func decodeRelocation(data []byte, b Bitness, rela bool) (Relocation, error) {
	var (
		off    uint64
		info   uint64
		addend int64
	)

	switch {
	case b == Bits32 && rela:
		var raw elf.Rela32
		if err := unpackLE(data, relaSize32, &raw); err != nil {
			return Relocation{}, fmt.Errorf("failed to decode ELF32 RELA entry: %w", err)
		}
		off, info, addend = uint64(raw.Off), uint64(raw.Info), int64(raw.Addend)
	case b == Bits32:
		var raw elf.Rel32
		if err := unpackLE(data, relSize32, &raw); err != nil {
			return Relocation{}, fmt.Errorf("failed to decode ELF32 REL entry: %w", err)
		}
		off, info = uint64(raw.Off), uint64(raw.Info)
	case rela:
		var raw elf.Rela64
		if err := unpackLE(data, relaSize64, &raw); err != nil {
			return Relocation{}, fmt.Errorf("failed to decode ELF64 RELA entry: %w", err)
		}
		off, info, addend = raw.Off, raw.Info, raw.Addend
	default:
		var raw elf.Rel64
		if err := unpackLE(data, relSize64, &raw); err != nil {
			return Relocation{}, fmt.Errorf("failed to decode ELF64 REL entry: %w", err)
		}
		off, info = raw.Off, raw.Info
	}

	sym, typ := relocationInfo(info, b)

	return Relocation{
		Offset: off,
		Sym:    sym,
		Type:   typ,
		Addend: addend,
	}, nil
}

func (r Relocation) encode(b Bitness, rela bool) ([]byte, error) {
	info := RelocationInfo(b, r.Sym, r.Type)

	switch {
	case b == Bits32 && rela:
		return packLE(&elf.Rela32{Off: uint32(r.Offset), Info: uint32(info), Addend: int32(r.Addend)})
	case b == Bits32:
		return packLE(&elf.Rel32{Off: uint32(r.Offset), Info: uint32(info)})
	case rela:
		return packLE(&elf.Rela64{Off: r.Offset, Info: info, Addend: r.Addend})
	default:
		return packLE(&elf.Rel64{Off: r.Offset, Info: info})
	}
}
