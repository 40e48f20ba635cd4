package elfobj

import (
	"debug/elf"
	"fmt"
)

// Symbol is a width-independent symbol table entry. The 32-bit and 64-bit
// layouts order their fields differently; the codec takes care of that.
type Symbol struct {
	Name  uint32
	Value uint64
	Size  uint64
	Info  byte
	Other byte
	Shndx uint16
}

// Bind extracts the binding from the info byte.
func (s Symbol) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

// Type extracts the symbol type from the info byte.
func (s Symbol) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// Visibility extracts the visibility from the other byte.
func (s Symbol) Visibility() elf.SymVis {
	return elf.ST_VISIBILITY(s.Other)
}

// SymbolInfo assembles the packed info byte from a binding and a type. The
// layout is the same in both bitnesses.
func SymbolInfo(bind elf.SymBind, typ elf.SymType) byte {
	return byte(elf.ST_INFO(bind, typ))
}

func decodeSymbol(data []byte, b Bitness) (Symbol, error) {
	if b == Bits32 {
		var raw elf.Sym32
		if err := unpackLE(data, symbolSize32, &raw); err != nil {
			return Symbol{}, fmt.Errorf("failed to decode ELF32 symbol: %w", err)
		}

		return Symbol{
			Name:  raw.Name,
			Value: uint64(raw.Value),
			Size:  uint64(raw.Size),
			Info:  raw.Info,
			Other: raw.Other,
			Shndx: raw.Shndx,
		}, nil
	}

	var raw elf.Sym64
	if err := unpackLE(data, symbolSize64, &raw); err != nil {
		return Symbol{}, fmt.Errorf("failed to decode ELF64 symbol: %w", err)
	}

	return Symbol{
		Name:  raw.Name,
		Value: raw.Value,
		Size:  raw.Size,
		Info:  raw.Info,
		Other: raw.Other,
		Shndx: raw.Shndx,
	}, nil
}

func (s Symbol) encode(b Bitness) ([]byte, error) {
	if b == Bits32 {
		return packLE(&elf.Sym32{
			Name:  s.Name,
			Value: uint32(s.Value),
			Size:  uint32(s.Size),
			Info:  s.Info,
			Other: s.Other,
			Shndx: s.Shndx,
		})
	}

	return packLE(&elf.Sym64{
		Name:  s.Name,
		Info:  s.Info,
		Other: s.Other,
		Shndx: s.Shndx,
		Value: s.Value,
		Size:  s.Size,
	})
}
