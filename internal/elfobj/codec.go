package elfobj

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"
)

// Canonical packed sizes of the on-disk structures. These are fixed by the
// ELF specification and double as the expected e_shentsize/sh_entsize values.
const (
	headerSize32 = 52
	headerSize64 = 64

	sectionHeaderSize32 = 40
	sectionHeaderSize64 = 64

	symbolSize32 = 16
	symbolSize64 = 24

	relSize32  = 8
	relSize64  = 16
	relaSize32 = 12
	relaSize64 = 24
)

var (
	ErrShortBuffer         = errors.New("buffer too short for structure")
	ErrInconsistentSection = errors.New("inconsistent section header")
)

// HeaderSize returns the packed size of a file header in the given bitness.
func HeaderSize(b Bitness) int {
	if b == Bits32 {
		return headerSize32
	}

	return headerSize64
}

// SectionHeaderSize returns the packed size of one section header.
func SectionHeaderSize(b Bitness) int {
	if b == Bits32 {
		return sectionHeaderSize32
	}

	return sectionHeaderSize64
}

// SymbolSize returns the packed size of one symbol table entry.
func SymbolSize(b Bitness) int {
	if b == Bits32 {
		return symbolSize32
	}

	return symbolSize64
}

// RelocSize returns the packed size of one relocation entry, with or without
// an explicit addend.
func RelocSize(b Bitness, rela bool) int {
	switch {
	case b == Bits32 && rela:
		return relaSize32
	case b == Bits32:
		return relSize32
	case rela:
		return relaSize64
	default:
		return relSize64
	}
}

var packOptions = &struc.Options{Order: binary.LittleEndian}

func packLE(v any) ([]byte, error) {
	buff := &bytes.Buffer{}
	if err := struc.PackWithOptions(buff, v, packOptions); err != nil {
		return nil, fmt.Errorf("failed to pack structure: %w", err)
	}

	return buff.Bytes(), nil
}

func unpackLE(data []byte, size int, v any) error {
	if len(data) < size {
		return fmt.Errorf("need %d bytes, have %d: %w", size, len(data), ErrShortBuffer)
	}

	if err := struc.UnpackWithOptions(bytes.NewReader(data[:size]), v, packOptions); err != nil {
		return fmt.Errorf("failed to unpack structure: %w", err)
	}

	return nil
}
