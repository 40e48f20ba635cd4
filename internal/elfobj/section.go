package elfobj

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// SectionHeader carries the semantic fields of a section header. The two
// on-disk layouts share the same field set with different widths.
type SectionHeader struct {
	Name      uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func decodeSectionHeader(data []byte, b Bitness) (SectionHeader, error) {
	if b == Bits32 {
		var raw elf.Section32
		if err := unpackLE(data, sectionHeaderSize32, &raw); err != nil {
			return SectionHeader{}, fmt.Errorf("failed to decode ELF32 section header: %w", err)
		}

		return SectionHeader{
			Name:      raw.Name,
			Type:      elf.SectionType(raw.Type),
			Flags:     elf.SectionFlag(raw.Flags),
			Addr:      uint64(raw.Addr),
			Offset:    uint64(raw.Off),
			Size:      uint64(raw.Size),
			Link:      raw.Link,
			Info:      raw.Info,
			Addralign: uint64(raw.Addralign),
			Entsize:   uint64(raw.Entsize),
		}, nil
	}

	var raw elf.Section64
	if err := unpackLE(data, sectionHeaderSize64, &raw); err != nil {
		return SectionHeader{}, fmt.Errorf("failed to decode ELF64 section header: %w", err)
	}

	return SectionHeader{
		Name:      raw.Name,
		Type:      elf.SectionType(raw.Type),
		Flags:     elf.SectionFlag(raw.Flags),
		Addr:      raw.Addr,
		Offset:    raw.Off,
		Size:      raw.Size,
		Link:      raw.Link,
		Info:      raw.Info,
		Addralign: raw.Addralign,
		Entsize:   raw.Entsize,
	}, nil
}

func (h *SectionHeader) encode(b Bitness) ([]byte, error) {
	if b == Bits32 {
		return packLE(&elf.Section32{
			Name:      h.Name,
			Type:      uint32(h.Type),
			Flags:     uint32(h.Flags),
			Addr:      uint32(h.Addr),
			Off:       uint32(h.Offset),
			Size:      uint32(h.Size),
			Link:      h.Link,
			Info:      h.Info,
			Addralign: uint32(h.Addralign),
			Entsize:   uint32(h.Entsize),
		})
	}

	return packLE(&elf.Section64{
		Name:      h.Name,
		Type:      uint32(h.Type),
		Flags:     uint64(h.Flags),
		Addr:      h.Addr,
		Off:       h.Offset,
		Size:      h.Size,
		Link:      h.Link,
		Info:      h.Info,
		Addralign: h.Addralign,
		Entsize:   h.Entsize,
	})
}

// Content is the typed payload of a section. Exactly one concrete
// implementation exists per section kind that carries file bytes.
type Content interface {
	// encode produces the file bytes of the content at the given bitness.
	encode(b Bitness) ([]byte, error)

	// encodedSize is the byte length encode would produce.
	encodedSize(b Bitness) uint64
}

// RawContent is an opaque byte payload (PROGBITS and friends).
type RawContent struct {
	Data []byte
}

func (c *RawContent) encode(Bitness) ([]byte, error) { return c.Data, nil }
func (c *RawContent) encodedSize(Bitness) uint64     { return uint64(len(c.Data)) }

// StringTable is a NUL-terminated string pool.
type StringTable struct {
	Data []byte
}

func (c *StringTable) encode(Bitness) ([]byte, error) { return c.Data, nil }
func (c *StringTable) encodedSize(Bitness) uint64     { return uint64(len(c.Data)) }

// Lookup resolves the NUL-terminated string at the given offset. Out-of-range
// offsets resolve to the empty string.
func (c *StringTable) Lookup(offset uint32) string {
	if int(offset) >= len(c.Data) {
		return ""
	}

	end := bytes.IndexByte(c.Data[offset:], 0)
	if end < 0 {
		return string(c.Data[offset:])
	}

	return string(c.Data[offset : int(offset)+end])
}

// SymbolTable is the decoded contents of a SYMTAB section.
type SymbolTable struct {
	Symbols []Symbol
}

func (c *SymbolTable) encode(b Bitness) ([]byte, error) {
	buff := &bytes.Buffer{}
	for i, sym := range c.Symbols {
		data, err := sym.encode(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode symbol %d: %w", i, err)
		}

		buff.Write(data)
	}

	return buff.Bytes(), nil
}

func (c *SymbolTable) encodedSize(b Bitness) uint64 {
	return uint64(len(c.Symbols) * SymbolSize(b))
}

// RelocationTable is the decoded contents of a REL or RELA section.
type RelocationTable struct {
	Rela    bool
	Entries []Relocation
}

func (c *RelocationTable) encode(b Bitness) ([]byte, error) {
	buff := &bytes.Buffer{}
	for i, rel := range c.Entries {
		data, err := rel.encode(b, c.Rela)
		if err != nil {
			return nil, fmt.Errorf("failed to encode relocation %d: %w", i, err)
		}

		buff.Write(data)
	}

	return buff.Bytes(), nil
}

func (c *RelocationTable) encodedSize(b Bitness) uint64 {
	return uint64(len(c.Entries) * RelocSize(b, c.Rela))
}

// Section pairs a header with its typed content. Content is nil for sections
// that occupy no file bytes (NULL, NOBITS, or a zero offset/size header).
type Section struct {
	Header  SectionHeader
	Content Content
}

// HasContent reports whether the section occupies bytes in the file image.
// NOBITS sections reserve memory only and never carry file bytes.
func (s *Section) HasContent() bool {
	return s.Content != nil
}

func headerHasContent(h SectionHeader) bool {
	return h.Type != elf.SHT_NOBITS && h.Offset != 0 && h.Size != 0
}

// Strings returns the content as a string table, if it is one.
func (s *Section) Strings() (*StringTable, bool) {
	table, ok := s.Content.(*StringTable)
	return table, ok
}

// Symbols returns the content as a symbol table, if it is one.
func (s *Section) Symbols() (*SymbolTable, bool) {
	table, ok := s.Content.(*SymbolTable)
	return table, ok
}

// Relocations returns the content as a relocation table, if it is one.
func (s *Section) Relocations() (*RelocationTable, bool) {
	table, ok := s.Content.(*RelocationTable)
	return table, ok
}

// Raw returns the content as an opaque byte payload, if it is one.
func (s *Section) Raw() (*RawContent, bool) {
	raw, ok := s.Content.(*RawContent)
	return raw, ok
}

// AddString appends the given bytes plus a terminating NUL to a string table
// section and returns the offset the string starts at.
func (s *Section) AddString(str string) (uint32, error) {
	table, ok := s.Strings()
	if !ok {
		return 0, fmt.Errorf("cannot add string to %v section: %w", s.Header.Type, ErrInconsistentSection)
	}

	offset := uint32(len(table.Data))
	table.Data = append(table.Data, str...)
	table.Data = append(table.Data, 0)
	s.Header.Size = uint64(len(table.Data))

	return offset, nil
}

// AppendSymbol appends an entry to a symbol table section, bumps the header
// size by one entry and returns the new entry's index.
func (s *Section) AppendSymbol(sym Symbol) (uint32, error) {
	table, ok := s.Symbols()
	if !ok {
		return 0, fmt.Errorf("cannot append symbol to %v section: %w", s.Header.Type, ErrInconsistentSection)
	}

	table.Symbols = append(table.Symbols, sym)
	s.Header.Size += s.Header.Entsize

	return uint32(len(table.Symbols) - 1), nil
}

// AppendReloc appends an entry to a relocation table section, bumps the
// header size by one entry and returns the new entry's index.
func (s *Section) AppendReloc(rel Relocation) (uint32, error) {
	table, ok := s.Relocations()
	if !ok {
		return 0, fmt.Errorf("cannot append relocation to %v section: %w", s.Header.Type, ErrInconsistentSection)
	}

	table.Entries = append(table.Entries, rel)
	s.Header.Size += s.Header.Entsize

	return uint32(len(table.Entries) - 1), nil
}

// AppendBytes appends raw data to an opaque-content section and returns the
// offset the data starts at.
func (s *Section) AppendBytes(data []byte) (uint64, error) {
	raw, ok := s.Raw()
	if !ok {
		return 0, fmt.Errorf("cannot append bytes to %v section: %w", s.Header.Type, ErrInconsistentSection)
	}

	offset := uint64(len(raw.Data))
	raw.Data = append(raw.Data, data...)
	s.Header.Size += uint64(len(data))

	return offset, nil
}
