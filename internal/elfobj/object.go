package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnrecognizedIdent = errors.New("unrecognised ELF identification bytes")
	ErrWrongObjectType   = errors.New("object is not a relocatable (ET_REL) file")
	ErrAddendOutOfRange  = errors.New("relocation addend cannot be written to target section")
)

const relaPrefix = ".rela"

// Object is an in-memory ELF relocatable object: one file header plus an
// ordered list of sections. Derived data (section names, symbol names) is
// never stored; it is resolved on demand through the lookup methods, so it
// can never go stale across mutations.
type Object struct {
	Bitness  Bitness
	Header   FileHeader
	Sections []*Section
}

// New assembles an object from already-built parts. The header's section
// count is made consistent with the section list.
func New(b Bitness, header FileHeader, sections []*Section) *Object {
	header.Shnum = uint16(len(sections))

	return &Object{
		Bitness:  b,
		Header:   header,
		Sections: sections,
	}
}

// Parse reads a relocatable object from a byte image. The identification
// bytes must exactly match one of the two canonical little-endian System V
// forms; bitness is derived from them.
func Parse(data []byte) (*Object, error) {
	if len(data) < elf.EI_NIDENT {
		return nil, fmt.Errorf("%d bytes is too short for an ELF ident: %w", len(data), ErrShortBuffer)
	}

	var bitness Bitness
	ident := [elf.EI_NIDENT]byte(data[:elf.EI_NIDENT])

	switch ident {
	case identLinux32:
		bitness = Bits32
	case identLinux64:
		bitness = Bits64
	default:
		return nil, fmt.Errorf("ident %x: %w", ident, ErrUnrecognizedIdent)
	}

	header, err := decodeFileHeader(data, bitness)
	if err != nil {
		return nil, err
	}

	if header.Type != elf.ET_REL {
		return nil, fmt.Errorf("e_type is %v: %w", header.Type, ErrWrongObjectType)
	}

	if int(header.Shentsize) != SectionHeaderSize(bitness) {
		return nil, fmt.Errorf("e_shentsize %d does not match %v layout: %w", header.Shentsize, bitness, ErrInconsistentSection)
	}

	if header.Shnum > 0 && header.Shstrndx >= header.Shnum {
		return nil, fmt.Errorf("e_shstrndx %d out of range: %w", header.Shstrndx, ErrInconsistentSection)
	}

	shdrTableSize := uint64(header.Shnum) * uint64(header.Shentsize)
	if header.Shoff+shdrTableSize > uint64(len(data)) {
		return nil, fmt.Errorf("section header table exceeds file size: %w", ErrShortBuffer)
	}

	sections := make([]*Section, 0, header.Shnum)

	for i := 0; i < int(header.Shnum); i++ {
		offset := header.Shoff + uint64(i)*uint64(header.Shentsize)

		shdr, err := decodeSectionHeader(data[offset:], bitness)
		if err != nil {
			return nil, fmt.Errorf("failed to read section header %d: %w", i, err)
		}

		content, err := interpretContent(data, shdr, bitness)
		if err != nil {
			return nil, fmt.Errorf("failed to read content of section %d: %w", i, err)
		}

		sections = append(sections, &Section{Header: shdr, Content: content})
	}

	if len(sections) > 0 && sections[0].Header.Type != elf.SHT_NULL {
		return nil, fmt.Errorf("section 0 is %v, not the NULL sentinel: %w", sections[0].Header.Type, ErrInconsistentSection)
	}

	obj := &Object{
		Bitness:  bitness,
		Header:   header,
		Sections: sections,
	}

	if err := obj.checkLinks(); err != nil {
		return nil, err
	}

	return obj, nil
}

// interpretContent decodes a section's bytes into the typed representation
// matching its header type. NOBITS sections and sections with a zero offset
// or size carry no file bytes at all.
func interpretContent(data []byte, shdr SectionHeader, b Bitness) (Content, error) {
	if !headerHasContent(shdr) {
		return nil, nil
	}

	if shdr.Offset+shdr.Size > uint64(len(data)) {
		return nil, fmt.Errorf("section content [%#x, %#x) exceeds file size %#x: %w",
			shdr.Offset, shdr.Offset+shdr.Size, len(data), ErrShortBuffer)
	}

	raw := make([]byte, shdr.Size)
	copy(raw, data[shdr.Offset:shdr.Offset+shdr.Size])

	switch shdr.Type {
	case elf.SHT_STRTAB:
		return &StringTable{Data: raw}, nil

	case elf.SHT_SYMTAB:
		if err := checkEntsize(shdr, uint64(SymbolSize(b))); err != nil {
			return nil, err
		}

		symbols := make([]Symbol, 0, shdr.Size/shdr.Entsize)
		for off := uint64(0); off < shdr.Size; off += shdr.Entsize {
			sym, err := decodeSymbol(raw[off:], b)
			if err != nil {
				return nil, err
			}

			symbols = append(symbols, sym)
		}

		return &SymbolTable{Symbols: symbols}, nil

	case elf.SHT_REL, elf.SHT_RELA:
		rela := shdr.Type == elf.SHT_RELA
		if err := checkEntsize(shdr, uint64(RelocSize(b, rela))); err != nil {
			return nil, err
		}

		entries := make([]Relocation, 0, shdr.Size/shdr.Entsize)
		for off := uint64(0); off < shdr.Size; off += shdr.Entsize {
			rel, err := decodeRelocation(raw[off:], b, rela)
			if err != nil {
				return nil, err
			}

			entries = append(entries, rel)
		}

		return &RelocationTable{Rela: rela, Entries: entries}, nil

	default:
		return &RawContent{Data: raw}, nil
	}
}

func checkEntsize(shdr SectionHeader, expected uint64) error {
	if shdr.Entsize != expected {
		return fmt.Errorf("sh_entsize %d, expected %d: %w", shdr.Entsize, expected, ErrInconsistentSection)
	}

	if shdr.Size%shdr.Entsize != 0 {
		return fmt.Errorf("sh_size %d is not a multiple of sh_entsize %d: %w", shdr.Size, shdr.Entsize, ErrInconsistentSection)
	}

	return nil
}

// checkLinks validates the cross-section references the transformations rely
// on: symbol tables link a string table, relocation tables link a symbol
// table and patch an in-range section.
func (o *Object) checkLinks() error {
	shnum := uint32(len(o.Sections))

	if o.Header.Shstrndx != 0 {
		if _, ok := o.Sections[o.Header.Shstrndx].Strings(); !ok {
			return fmt.Errorf("e_shstrndx %d does not name a string table: %w", o.Header.Shstrndx, ErrInconsistentSection)
		}
	}

	for i, s := range o.Sections {
		switch s.Header.Type {
		case elf.SHT_SYMTAB:
			if s.Header.Link >= shnum || o.Sections[s.Header.Link].Header.Type != elf.SHT_STRTAB {
				return fmt.Errorf("symbol table %d links section %d, which is not a string table: %w", i, s.Header.Link, ErrInconsistentSection)
			}
		case elf.SHT_REL, elf.SHT_RELA:
			if s.Header.Link >= shnum || o.Sections[s.Header.Link].Header.Type != elf.SHT_SYMTAB {
				return fmt.Errorf("relocation table %d links section %d, which is not a symbol table: %w", i, s.Header.Link, ErrInconsistentSection)
			}
			if s.Header.Info >= shnum {
				return fmt.Errorf("relocation table %d targets out-of-range section %d: %w", i, s.Header.Info, ErrInconsistentSection)
			}
		}
	}

	return nil
}

// SectionName resolves a section's name through the section header string
// table. Unresolvable names come back empty.
func (o *Object) SectionName(index int) string {
	if index < 0 || index >= len(o.Sections) || int(o.Header.Shstrndx) >= len(o.Sections) {
		return ""
	}

	table, ok := o.Sections[o.Header.Shstrndx].Strings()
	if !ok {
		return ""
	}

	return table.Lookup(o.Sections[index].Header.Name)
}

// SectionByName finds the first section with the given name.
func (o *Object) SectionByName(name string) (*Section, int, bool) {
	for i := range o.Sections {
		if o.SectionName(i) == name {
			return o.Sections[i], i, true
		}
	}

	return nil, 0, false
}

// SymbolName resolves a symbol's name. Section symbols have no name of their
// own; they borrow the name of the section they represent.
func (o *Object) SymbolName(symtab *Section, sym Symbol) string {
	if sym.Type() == elf.STT_SECTION {
		return o.SectionName(int(sym.Shndx))
	}

	if int(symtab.Header.Link) >= len(o.Sections) {
		return ""
	}

	table, ok := o.Sections[symtab.Header.Link].Strings()
	if !ok {
		return ""
	}

	return table.Lookup(sym.Name)
}

// RelocSymbolName resolves the name of the symbol a relocation entry targets.
func (o *Object) RelocSymbolName(relSection *Section, rel Relocation) string {
	if int(relSection.Header.Link) >= len(o.Sections) {
		return ""
	}

	symtab := o.Sections[relSection.Header.Link]

	table, ok := symtab.Symbols()
	if !ok || int(rel.Sym) >= len(table.Symbols) {
		return ""
	}

	return o.SymbolName(symtab, table.Symbols[rel.Sym])
}

// AppendSection appends a section, bumps the header's section count and
// returns the new section's index.
func (o *Object) AppendSection(s *Section) int {
	o.Sections = append(o.Sections, s)
	o.Header.Shnum = uint16(len(o.Sections))
	return len(o.Sections) - 1
}

// SwitchBitness structurally clones the object into the opposite bitness.
// Every header and table entry is re-emitted in the target layout with
// identical semantic fields; RELA relocation types are mapped to their
// target-architecture equivalents. An unmappable relocation type fails the
// whole operation.
func (o *Object) SwitchBitness() (*Object, error) {
	to := o.Bitness.Other()
	header := o.Header.switchBitness(to)

	sections := make([]*Section, 0, len(o.Sections))

	for i, s := range o.Sections {
		switched, err := switchSection(s, to)
		if err != nil {
			return nil, fmt.Errorf("failed to switch section %d (%s): %w", i, o.SectionName(i), err)
		}

		sections = append(sections, switched)
	}

	return &Object{
		Bitness:  to,
		Header:   header,
		Sections: sections,
	}, nil
}

func switchSection(s *Section, to Bitness) (*Section, error) {
	switched := &Section{Header: s.Header}

	switch content := s.Content.(type) {
	case nil:
		// NOBITS and the NULL sentinel carry nothing to convert.

	case *RawContent:
		switched.Content = &RawContent{Data: append([]byte(nil), content.Data...)}

	case *StringTable:
		switched.Content = &StringTable{Data: append([]byte(nil), content.Data...)}

	case *SymbolTable:
		symbols := append([]Symbol(nil), content.Symbols...)
		switched.Content = &SymbolTable{Symbols: symbols}
		switched.Header.Entsize = uint64(SymbolSize(to))
		switched.Header.Size = uint64(len(symbols)) * switched.Header.Entsize

	case *RelocationTable:
		entries := make([]Relocation, 0, len(content.Entries))
		for i, rel := range content.Entries {
			if content.Rela {
				mapped, err := switchRelocationType(rel.Type, to)
				if err != nil {
					return nil, fmt.Errorf("entry %d at offset %#x: %w", i, rel.Offset, err)
				}

				rel.Type = mapped
			}

			entries = append(entries, rel)
		}

		switched.Content = &RelocationTable{Rela: content.Rela, Entries: entries}
		switched.Header.Entsize = uint64(RelocSize(to, content.Rela))
		switched.Header.Size = uint64(len(entries)) * switched.Header.Entsize
	}

	return switched, nil
}

// RelaToRel converts every RELA section into REL form by folding each
// entry's addend into the four target bytes it relocates. With
// renameSections set, the section header string table is additionally
// rebuilt so that every ".rela*" section name loses its trailing 'a'.
func (o *Object) RelaToRel(renameSections bool) error {
	for i, s := range o.Sections {
		table, ok := s.Relocations()
		if !ok || !table.Rela {
			continue
		}

		if int(s.Header.Info) >= len(o.Sections) {
			return fmt.Errorf("relocation section %d targets out-of-range section %d: %w", i, s.Header.Info, ErrInconsistentSection)
		}

		target := o.Sections[s.Header.Info]

		raw, ok := target.Raw()
		if !ok {
			return fmt.Errorf("relocation section %s targets a section without writable content: %w", o.SectionName(i), ErrInconsistentSection)
		}

		for j := range table.Entries {
			rel := &table.Entries[j]

			typ := elf.R_386(rel.Type)
			if typ != elf.R_386_32 && typ != elf.R_386_PC32 {
				return fmt.Errorf("entry %d in %s has type %v: %w", j, o.SectionName(i), typ, ErrAddendOutOfRange)
			}

			if rel.Offset+4 > target.Header.Size {
				return fmt.Errorf("entry %d in %s patches [%#x, %#x) beyond target size %#x: %w",
					j, o.SectionName(i), rel.Offset, rel.Offset+4, target.Header.Size, ErrAddendOutOfRange)
			}

			binary.LittleEndian.PutUint32(raw.Data[rel.Offset:rel.Offset+4], uint32(int32(rel.Addend)))
			rel.Addend = 0
		}

		table.Rela = false
		s.Header.Type = elf.SHT_REL
		s.Header.Entsize = uint64(RelocSize(o.Bitness, false))
		s.Header.Size = uint64(len(table.Entries)) * s.Header.Entsize
	}

	if renameSections {
		return o.renameRelaSections()
	}

	return nil
}

// renameRelaSections rebuilds the section header string table from the
// logical list of section names, shortening every ".rela*" to ".rel*" and
// reassigning each header's name offset. Rebuilding from scratch keeps every
// offset valid without any in-place shifting arithmetic.
func (o *Object) renameRelaSections() error {
	if int(o.Header.Shstrndx) >= len(o.Sections) {
		return fmt.Errorf("e_shstrndx %d out of range: %w", o.Header.Shstrndx, ErrInconsistentSection)
	}

	shstrtab := o.Sections[o.Header.Shstrndx]
	if _, ok := shstrtab.Strings(); !ok {
		return fmt.Errorf("section %d is not a string table: %w", o.Header.Shstrndx, ErrInconsistentSection)
	}

	names := make([]string, len(o.Sections))
	for i := range o.Sections {
		name := o.SectionName(i)
		if strings.HasPrefix(name, relaPrefix) {
			name = ".rel" + name[len(relaPrefix):]
		}

		names[i] = name
	}

	rebuilt := &StringTable{Data: []byte{0}}
	offsets := map[string]uint32{"": 0}

	for i, name := range names {
		offset, ok := offsets[name]
		if !ok {
			offset = uint32(len(rebuilt.Data))
			rebuilt.Data = append(rebuilt.Data, name...)
			rebuilt.Data = append(rebuilt.Data, 0)
			offsets[name] = offset
		}

		o.Sections[i].Header.Name = offset
	}

	shstrtab.Content = rebuilt
	shstrtab.Header.Size = rebuilt.encodedSize(o.Bitness)

	return nil
}
