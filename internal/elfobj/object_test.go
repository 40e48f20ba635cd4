package elfobj

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBuilder assembles small but complete objects for the tests. Content
// sections get deliberately bogus placeholder offsets; the layout sweep
// assigns real ones on the first pack.
type testBuilder struct {
	t          *testing.T
	shstrtab   *Section
	sections   []*Section
	nextOffset uint64
}

func newTestBuilder(t *testing.T) *testBuilder {
	t.Helper()

	b := &testBuilder{
		t: t,
		shstrtab: &Section{
			Header:  SectionHeader{Type: elf.SHT_STRTAB, Addralign: 1},
			Content: &StringTable{Data: []byte{0}},
		},
	}

	b.add("", &Section{Header: SectionHeader{Type: elf.SHT_NULL}})
	return b
}

func (b *testBuilder) add(name string, s *Section) int {
	b.t.Helper()

	if name != "" {
		offset, err := b.shstrtab.AddString(name)
		require.NoError(b.t, err)
		s.Header.Name = offset
	}

	if s.Content != nil {
		s.Header.Size = s.Content.encodedSize(Bits64)
		b.nextOffset++
		s.Header.Offset = b.nextOffset
	}

	b.sections = append(b.sections, s)
	return len(b.sections) - 1
}

func (b *testBuilder) build() *Object {
	shstrndx := b.add(".shstrtab", b.shstrtab)

	header := FileHeader{
		Ident:     identLinux64,
		Type:      elf.ET_REL,
		Machine:   elf.EM_X86_64,
		Version:   1,
		Shoff:     b.nextOffset + 1, // sorts after every content placeholder
		Ehsize:    headerSize64,
		Shentsize: sectionHeaderSize64,
		Shstrndx:  uint16(shstrndx),
	}

	return New(Bits64, header, b.sections)
}

type testObjectOptions struct {
	relaEntries []Relocation
	relEntries  []Relocation
	withNobits  bool
}

// buildTestObject64 produces an ELF64 relocatable object with a .text
// section holding recognisable bytes, a symbol table exporting a defined
// function 'foo' and an undefined external 'bar', and optional relocation
// sections targeting .text.
func buildTestObject64(t *testing.T, opts testObjectOptions) *Object {
	t.Helper()

	b := newTestBuilder(t)

	textBytes := make([]byte, 0x20)
	for i := range textBytes {
		textBytes[i] = byte(0x90)
	}

	text := &Section{
		Header:  SectionHeader{Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addralign: 16},
		Content: &RawContent{Data: textBytes},
	}
	textIndex := b.add(".text", text)

	strtab := &Section{
		Header:  SectionHeader{Type: elf.SHT_STRTAB, Addralign: 1},
		Content: &StringTable{Data: []byte{0}},
	}
	strtabIndex := b.add(".strtab", strtab)

	fooOffset, err := strtab.AddString("foo")
	require.NoError(t, err)
	barOffset, err := strtab.AddString("bar")
	require.NoError(t, err)

	symtab := &Section{
		Header: SectionHeader{
			Type:      elf.SHT_SYMTAB,
			Link:      uint32(strtabIndex),
			Info:      2,
			Addralign: 8,
			Entsize:   symbolSize64,
		},
		Content: &SymbolTable{Symbols: []Symbol{
			{},
			{Info: SymbolInfo(elf.STB_LOCAL, elf.STT_SECTION), Shndx: uint16(textIndex)},
			{Name: fooOffset, Size: 0x10, Info: SymbolInfo(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: uint16(textIndex)},
			{Name: barOffset, Info: SymbolInfo(elf.STB_GLOBAL, elf.STT_NOTYPE)},
		}},
	}
	symtabIndex := b.add(".symtab", symtab)

	if opts.relaEntries != nil {
		rela := &Section{
			Header: SectionHeader{
				Type:      elf.SHT_RELA,
				Link:      uint32(symtabIndex),
				Info:      uint32(textIndex),
				Addralign: 8,
				Entsize:   relaSize64,
			},
			Content: &RelocationTable{Rela: true, Entries: opts.relaEntries},
		}
		b.add(".rela.text", rela)
	}

	if opts.relEntries != nil {
		rel := &Section{
			Header: SectionHeader{
				Type:      elf.SHT_REL,
				Link:      uint32(symtabIndex),
				Info:      uint32(textIndex),
				Addralign: 8,
				Entsize:   relSize64,
			},
			Content: &RelocationTable{Entries: opts.relEntries},
		}
		b.add(".rel.text", rel)
	}

	if opts.withNobits {
		bss := &Section{
			Header: SectionHeader{
				Type:      elf.SHT_NOBITS,
				Flags:     elf.SHF_ALLOC | elf.SHF_WRITE,
				Size:      0x100,
				Addralign: 32,
			},
		}
		b.add(".bss", bss)
	}

	return b.build()
}

func mustPack(t *testing.T, obj *Object) []byte {
	t.Helper()

	data, err := obj.Pack()
	require.NoError(t, err)
	return data
}

func TestParsePackRoundTrip(t *testing.T) {
	tests := map[string]testObjectOptions{
		"plain":      {},
		"with rel":   {relEntries: []Relocation{{Offset: 0x8, Sym: 2, Type: uint32(elf.R_X86_64_PC32)}}},
		"with rela":  {relaEntries: []Relocation{{Offset: 0x8, Sym: 2, Type: uint32(elf.R_X86_64_PC32), Addend: -4}}},
		"withetc":    {withNobits: true},
		"everything": {relaEntries: []Relocation{{Offset: 0x8, Sym: 2, Type: uint32(elf.R_X86_64_32), Addend: 16}}, withNobits: true},
	}

	for name, opts := range tests {
		t.Run(name, func(t *testing.T) {
			image := mustPack(t, buildTestObject64(t, opts))

			parsed, err := Parse(image)
			require.NoError(t, err)

			repacked := mustPack(t, parsed)
			assert.Equal(t, image, repacked)
		})
	}
}

func TestParseDerivesBitness(t *testing.T) {
	image := mustPack(t, buildTestObject64(t, testObjectOptions{}))

	parsed, err := Parse(image)
	require.NoError(t, err)

	assert.Equal(t, Bits64, parsed.Bitness)
	assert.Equal(t, elf.EM_X86_64, parsed.Header.Machine)
	assert.Equal(t, int(parsed.Header.Shnum), len(parsed.Sections))
}

func TestParseRejectsBadIdent(t *testing.T) {
	image := mustPack(t, buildTestObject64(t, testObjectOptions{}))
	image[4] = 9 // neither ELFCLASS32 nor ELFCLASS64

	_, err := Parse(image)
	assert.ErrorIs(t, err, ErrUnrecognizedIdent)
}

func TestParseRejectsNonRelocatable(t *testing.T) {
	image := mustPack(t, buildTestObject64(t, testObjectOptions{}))
	image[16] = byte(elf.ET_EXEC)

	_, err := Parse(image)
	assert.ErrorIs(t, err, ErrWrongObjectType)
}

func TestParseRejectsTruncatedImage(t *testing.T) {
	image := mustPack(t, buildTestObject64(t, testObjectOptions{}))

	for _, size := range []int{4, headerSize64 - 1, headerSize64 + 10} {
		_, err := Parse(image[:size])
		assert.ErrorIs(t, err, ErrShortBuffer, "truncation to %d bytes", size)
	}
}

func TestParseRejectsBadEntsize(t *testing.T) {
	image := mustPack(t, buildTestObject64(t, testObjectOptions{}))

	// Corrupt the symtab's sh_entsize in the section header table.
	parsed, err := Parse(image)
	require.NoError(t, err)

	for i, s := range parsed.Sections {
		if s.Header.Type != elf.SHT_SYMTAB {
			continue
		}

		entsizeOffset := parsed.Header.Shoff + uint64(i)*sectionHeaderSize64 + 56
		image[entsizeOffset] = symbolSize32
	}

	_, err = Parse(image)
	assert.ErrorIs(t, err, ErrInconsistentSection)
}

func TestSectionAndSymbolNames(t *testing.T) {
	image := mustPack(t, buildTestObject64(t, testObjectOptions{
		relaEntries: []Relocation{{Offset: 0x8, Sym: 1, Type: uint32(elf.R_X86_64_PC32), Addend: -4}},
	}))

	obj, err := Parse(image)
	require.NoError(t, err)

	text, _, ok := obj.SectionByName(".text")
	require.True(t, ok)
	assert.Equal(t, elf.SHT_PROGBITS, text.Header.Type)

	symtabSection, _, ok := obj.SectionByName(".symtab")
	require.True(t, ok)

	symtab, ok := symtabSection.Symbols()
	require.True(t, ok)
	require.Len(t, symtab.Symbols, 4)

	assert.Equal(t, "", obj.SymbolName(symtabSection, symtab.Symbols[0]))
	// Section symbols borrow the name of the section they stand for.
	assert.Equal(t, ".text", obj.SymbolName(symtabSection, symtab.Symbols[1]))
	assert.Equal(t, "foo", obj.SymbolName(symtabSection, symtab.Symbols[2]))
	assert.Equal(t, "bar", obj.SymbolName(symtabSection, symtab.Symbols[3]))

	relaSection, _, ok := obj.SectionByName(".rela.text")
	require.True(t, ok)

	rela, ok := relaSection.Relocations()
	require.True(t, ok)
	assert.Equal(t, ".text", obj.RelocSymbolName(relaSection, rela.Entries[0]))
}

func TestAddString(t *testing.T) {
	obj := buildTestObject64(t, testObjectOptions{})

	strtabSection, _, ok := obj.SectionByName(".strtab")
	require.True(t, ok)

	before := strtabSection.Header.Size

	offset, err := strtabSection.AddString("baz")
	require.NoError(t, err)
	assert.Equal(t, uint32(before), offset)
	assert.Equal(t, before+4, strtabSection.Header.Size)

	table, _ := strtabSection.Strings()
	assert.Equal(t, "baz", table.Lookup(offset))

	text, _, ok := obj.SectionByName(".text")
	require.True(t, ok)

	_, err = text.AddString("nope")
	assert.Error(t, err)
}

func TestAppendEntries(t *testing.T) {
	obj := buildTestObject64(t, testObjectOptions{
		relaEntries: []Relocation{{Offset: 0x8, Sym: 2, Type: uint32(elf.R_X86_64_PC32), Addend: -4}},
	})

	symtabSection, _, ok := obj.SectionByName(".symtab")
	require.True(t, ok)

	index, err := symtabSection.AppendSymbol(Symbol{Info: SymbolInfo(elf.STB_GLOBAL, elf.STT_OBJECT)})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), index)
	assert.Equal(t, uint64(5*symbolSize64), symtabSection.Header.Size)

	relaSection, _, ok := obj.SectionByName(".rela.text")
	require.True(t, ok)

	relIndex, err := relaSection.AppendReloc(Relocation{Offset: 0x10, Sym: 2, Type: uint32(elf.R_X86_64_32)})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), relIndex)
	assert.Equal(t, uint64(2*relaSize64), relaSection.Header.Size)
}

func TestAppendSection(t *testing.T) {
	obj := buildTestObject64(t, testObjectOptions{})

	before := len(obj.Sections)

	index := obj.AppendSection(&Section{
		Header:  SectionHeader{Type: elf.SHT_PROGBITS, Offset: obj.Header.Shoff - 1, Addralign: 8},
		Content: &RawContent{},
	})

	assert.Equal(t, before, index)
	assert.Equal(t, uint16(before+1), obj.Header.Shnum)
}
