package elfobj

import (
	"debug/elf"
	"fmt"
)

// FileHeader carries the semantic fields of an ELF header. Field widths are
// wide enough for either bitness; encoding narrows them to the on-disk layout.
type FileHeader struct {
	Ident     [elf.EI_NIDENT]byte
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func decodeFileHeader(data []byte, b Bitness) (FileHeader, error) {
	if b == Bits32 {
		var raw elf.Header32
		if err := unpackLE(data, headerSize32, &raw); err != nil {
			return FileHeader{}, fmt.Errorf("failed to decode ELF32 header: %w", err)
		}

		return FileHeader{
			Ident:     raw.Ident,
			Type:      elf.Type(raw.Type),
			Machine:   elf.Machine(raw.Machine),
			Version:   raw.Version,
			Entry:     uint64(raw.Entry),
			Phoff:     uint64(raw.Phoff),
			Shoff:     uint64(raw.Shoff),
			Flags:     raw.Flags,
			Ehsize:    raw.Ehsize,
			Phentsize: raw.Phentsize,
			Phnum:     raw.Phnum,
			Shentsize: raw.Shentsize,
			Shnum:     raw.Shnum,
			Shstrndx:  raw.Shstrndx,
		}, nil
	}

	var raw elf.Header64
	if err := unpackLE(data, headerSize64, &raw); err != nil {
		return FileHeader{}, fmt.Errorf("failed to decode ELF64 header: %w", err)
	}

	return FileHeader{
		Ident:     raw.Ident,
		Type:      elf.Type(raw.Type),
		Machine:   elf.Machine(raw.Machine),
		Version:   raw.Version,
		Entry:     raw.Entry,
		Phoff:     raw.Phoff,
		Shoff:     raw.Shoff,
		Flags:     raw.Flags,
		Ehsize:    raw.Ehsize,
		Phentsize: raw.Phentsize,
		Phnum:     raw.Phnum,
		Shentsize: raw.Shentsize,
		Shnum:     raw.Shnum,
		Shstrndx:  raw.Shstrndx,
	}, nil
}

func (h *FileHeader) encode(b Bitness) ([]byte, error) {
	if b == Bits32 {
		return packLE(&elf.Header32{
			Ident:     h.Ident,
			Type:      uint16(h.Type),
			Machine:   uint16(h.Machine),
			Version:   h.Version,
			Entry:     uint32(h.Entry),
			Phoff:     uint32(h.Phoff),
			Shoff:     uint32(h.Shoff),
			Flags:     h.Flags,
			Ehsize:    h.Ehsize,
			Phentsize: h.Phentsize,
			Phnum:     h.Phnum,
			Shentsize: h.Shentsize,
			Shnum:     h.Shnum,
			Shstrndx:  h.Shstrndx,
		})
	}

	return packLE(&elf.Header64{
		Ident:     h.Ident,
		Type:      uint16(h.Type),
		Machine:   uint16(h.Machine),
		Version:   h.Version,
		Entry:     h.Entry,
		Phoff:     h.Phoff,
		Shoff:     h.Shoff,
		Flags:     h.Flags,
		Ehsize:    h.Ehsize,
		Phentsize: h.Phentsize,
		Phnum:     h.Phnum,
		Shentsize: h.Shentsize,
		Shnum:     h.Shnum,
		Shstrndx:  h.Shstrndx,
	})
}

// switchBitness re-targets the header at the other bitness: identification
// bytes, machine, header size and section header entry size are replaced,
// everything else is copied as-is.
func (h *FileHeader) switchBitness(to Bitness) FileHeader {
	switched := *h
	switched.Ident = Ident(to)
	switched.Machine = machine(to)
	switched.Ehsize = uint16(HeaderSize(to))
	switched.Shentsize = uint16(SectionHeaderSize(to))
	return switched
}
