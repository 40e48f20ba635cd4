package thunk

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pgrzes/elfbridge/internal/elfobj"
)

const (
	sectionTextThunkin    = ".text.thunkin"
	sectionTextThunkout   = ".text.thunkout"
	sectionRodataThunkin  = ".rodata.thunkin"
	sectionRodataThunkout = ".rodata.thunkout"

	// Linux long-mode 64-bit and compatibility-mode 32-bit code selectors.
	selector64 = 0x33
	selector32 = 0x23

	// One far-jump target in the rodata jump tables: a 32-bit offset, a
	// 16-bit selector and two bytes of padding.
	jumpTableEntryLength = uint64(8)
)

var (
	errNot32Bit         = errors.New("thunks can only be added to a 32-bit object")
	errThunksPresent    = errors.New("object already contains thunk sections")
	errMissingSignature = errors.New("no signature for exported function")
	errMultipleSymtabs  = errors.New("object has more than one symbol table")
)

// AddThunks rewrites the object's export surface: every previously GLOBAL
// symbol becomes LOCAL, and defined functions are re-exported through
// 32-to-64 entry stubs while undefined externals are routed out through
// 64-to-32 exit stubs. Four PROGBITS sections (code and jump tables for each
// direction) and four matching relocation sections are appended, and all new
// relocations are folded into REL form before returning.
func AddThunks(obj *elfobj.Object, signatures []Signature) error {
	if obj.Bitness != elfobj.Bits32 {
		return errNot32Bit
	}

	if _, _, ok := obj.SectionByName(sectionTextThunkin); ok {
		return errThunksPresent
	}

	sigsByName := make(map[string]Signature, len(signatures))
	for _, sig := range signatures {
		sigsByName[sig.Name] = sig
	}

	symtabSection, symtabIndex, err := findSymtab(obj)
	if err != nil || symtabSection == nil {
		return err
	}

	symtab, ok := symtabSection.Symbols()
	if !ok {
		return fmt.Errorf("symbol table section carries no symbols: %w", elfobj.ErrInconsistentSection)
	}

	builder := &thunkBuilder{obj: obj, symtabSection: symtabSection, symtab: symtab}

	if err := builder.appendSections(symtabIndex); err != nil {
		return err
	}

	builder.appendSectionSymbols()

	inbound, outbound, err := builder.demoteGlobals()
	if err != nil {
		return err
	}

	for _, index := range inbound {
		if err := builder.addInboundStub(index, sigsByName); err != nil {
			return err
		}
	}

	for _, index := range outbound {
		if err := builder.addOutboundStub(index, sigsByName); err != nil {
			return err
		}
	}

	symtabSection.Header.Info = firstGlobalIndex(symtab)

	return obj.RelaToRel(false)
}

func findSymtab(obj *elfobj.Object) (*elfobj.Section, int, error) {
	var (
		found *elfobj.Section
		index int
	)

	for i, s := range obj.Sections {
		if s.Header.Type != elf.SHT_SYMTAB {
			continue
		}

		if found != nil {
			return nil, 0, errMultipleSymtabs
		}

		found, index = s, i
	}

	return found, index, nil
}

// firstGlobalIndex finds the pivot between the LOCAL and GLOBAL regions of
// the symbol table, which is what sh_info must carry.
func firstGlobalIndex(symtab *elfobj.SymbolTable) uint32 {
	for i, sym := range symtab.Symbols {
		if sym.Bind() != elf.STB_LOCAL {
			return uint32(i)
		}
	}

	return uint32(len(symtab.Symbols))
}

// thunkBuilder tracks the eight appended sections and their symbol indices
// while stubs are generated.
type thunkBuilder struct {
	obj           *elfobj.Object
	symtabSection *elfobj.Section
	symtab        *elfobj.SymbolTable

	textIn, textOut     *elfobj.Section
	rodataIn, rodataOut *elfobj.Section

	textInIndex, textOutIndex     int
	rodataInIndex, rodataOutIndex int

	relTextIn, relTextOut     *elfobj.Section
	relRodataIn, relRodataOut *elfobj.Section

	textInSymbol, textOutSymbol     uint32
	rodataInSymbol, rodataOutSymbol uint32
}

func (b *thunkBuilder) appendSections(symtabIndex int) error {
	execFlags := elf.SHF_ALLOC | elf.SHF_EXECINSTR

	var err error
	if b.textIn, b.textInIndex, err = b.appendProgbits(sectionTextThunkin, execFlags); err != nil {
		return err
	}
	if b.textOut, b.textOutIndex, err = b.appendProgbits(sectionTextThunkout, execFlags); err != nil {
		return err
	}
	if b.rodataIn, b.rodataInIndex, err = b.appendProgbits(sectionRodataThunkin, elf.SHF_ALLOC); err != nil {
		return err
	}
	if b.rodataOut, b.rodataOutIndex, err = b.appendProgbits(sectionRodataThunkout, elf.SHF_ALLOC); err != nil {
		return err
	}

	// The relocation sections carry addends until the final fold to REL, but
	// are named ".rel*" from the outset so no rename pass is needed.
	if b.relTextIn, err = b.appendRela(".rel"+sectionTextThunkin, symtabIndex, b.textInIndex); err != nil {
		return err
	}
	if b.relTextOut, err = b.appendRela(".rel"+sectionTextThunkout, symtabIndex, b.textOutIndex); err != nil {
		return err
	}
	if b.relRodataIn, err = b.appendRela(".rel"+sectionRodataThunkin, symtabIndex, b.rodataInIndex); err != nil {
		return err
	}
	if b.relRodataOut, err = b.appendRela(".rel"+sectionRodataThunkout, symtabIndex, b.rodataOutIndex); err != nil {
		return err
	}

	return nil
}

// appendProgbits appends an empty PROGBITS section. Its offset is set one
// byte before the section header table, an intentionally impossible position
// that the layout sweep resolves to a real offset at write time.
func (b *thunkBuilder) appendProgbits(name string, flags elf.SectionFlag) (*elfobj.Section, int, error) {
	nameOffset, err := b.shstrtab().AddString(name)
	if err != nil {
		return nil, 0, err
	}

	section := &elfobj.Section{
		Header: elfobj.SectionHeader{
			Name:      nameOffset,
			Type:      elf.SHT_PROGBITS,
			Flags:     flags,
			Offset:    b.obj.Header.Shoff - 1,
			Addralign: 8,
		},
		Content: &elfobj.RawContent{},
	}

	return section, b.obj.AppendSection(section), nil
}

func (b *thunkBuilder) appendRela(name string, symtabIndex int, targetIndex int) (*elfobj.Section, error) {
	nameOffset, err := b.shstrtab().AddString(name)
	if err != nil {
		return nil, err
	}

	section := &elfobj.Section{
		Header: elfobj.SectionHeader{
			Name:      nameOffset,
			Type:      elf.SHT_RELA,
			Offset:    b.obj.Header.Shoff - 1,
			Link:      uint32(symtabIndex),
			Info:      uint32(targetIndex),
			Addralign: 8,
			Entsize:   uint64(elfobj.RelocSize(elfobj.Bits32, true)),
		},
		Content: &elfobj.RelocationTable{Rela: true},
	}

	b.obj.AppendSection(section)
	return section, nil
}

func (b *thunkBuilder) shstrtab() *elfobj.Section {
	return b.obj.Sections[b.obj.Header.Shstrndx]
}

func (b *thunkBuilder) appendSectionSymbols() {
	appendOne := func(index int) uint32 {
		symbolIndex, err := b.symtabSection.AppendSymbol(elfobj.Symbol{
			Info:  elfobj.SymbolInfo(elf.STB_LOCAL, elf.STT_SECTION),
			Shndx: uint16(index),
		})
		if err != nil {
			panic(fmt.Sprintf("symbol table stopped being a symbol table: %v", err))
		}

		return symbolIndex
	}

	b.textInSymbol = appendOne(b.textInIndex)
	b.textOutSymbol = appendOne(b.textOutIndex)
	b.rodataInSymbol = appendOne(b.rodataInIndex)
	b.rodataOutSymbol = appendOne(b.rodataOutIndex)
}

// demoteGlobals turns every pre-existing GLOBAL symbol into a LOCAL one and
// sorts the former exports into the three follow-up groups: defined
// functions (inbound stubs), undefined externals (outbound stubs) and
// everything else, which is simply re-exported by an appended GLOBAL copy.
func (b *thunkBuilder) demoteGlobals() (inbound []int, outbound []int, err error) {
	count := len(b.symtab.Symbols)

	for index := 0; index < count; index++ {
		sym := &b.symtab.Symbols[index]
		if sym.Bind() != elf.STB_GLOBAL {
			continue
		}

		typ := sym.Type()
		sym.Info = elfobj.SymbolInfo(elf.STB_LOCAL, typ)

		switch typ {
		case elf.STT_FUNC:
			inbound = append(inbound, index)
		case elf.STT_NOTYPE:
			outbound = append(outbound, index)
		default:
			reexported := *sym
			reexported.Info = elfobj.SymbolInfo(elf.STB_GLOBAL, typ)
			if _, err := b.symtabSection.AppendSymbol(reexported); err != nil {
				return nil, nil, err
			}
		}
	}

	return inbound, outbound, nil
}

// addInboundStub generates the 32-to-64 trampoline for a defined function
// and exports a fresh GLOBAL FUNC symbol pointing at it.
func (b *thunkBuilder) addInboundStub(symbolIndex int, sigsByName map[string]Signature) error {
	sym := b.symtab.Symbols[symbolIndex]

	name := b.obj.SymbolName(b.symtabSection, sym)
	sig, ok := sigsByName[name]
	if !ok {
		return fmt.Errorf("function %q: %w", name, errMissingSignature)
	}

	stub, err := GetStub32To64(sig)
	if err != nil {
		return err
	}

	stubStart := b.textIn.Header.Size

	if _, err := b.symtabSection.AppendSymbol(elfobj.Symbol{
		Name:  sym.Name,
		Value: stubStart,
		Size:  uint64(len(stub.Code)),
		Info:  elfobj.SymbolInfo(elf.STB_GLOBAL, elf.STT_FUNC),
		Shndx: uint16(b.textInIndex),
	}); err != nil {
		return err
	}

	slog.Debug("generated inbound thunk",
		"function", name,
		"offset", fmt.Sprintf("0x%02x", stubStart),
		"size", len(stub.Code),
	)

	return b.wireStub(stub, stubStart, uint32(symbolIndex),
		b.relTextIn, b.textIn, b.textInSymbol,
		b.relRodataIn, b.rodataIn, b.rodataInSymbol,
		selector64, selector32)
}

// addOutboundStub generates the 64-to-32 trampoline for an undefined
// external: the original symbol is retargeted at the stub, and a fresh
// GLOBAL NOTYPE symbol keeps the unresolved reference for the linker.
func (b *thunkBuilder) addOutboundStub(symbolIndex int, sigsByName map[string]Signature) error {
	sym := &b.symtab.Symbols[symbolIndex]

	name := b.obj.SymbolName(b.symtabSection, *sym)
	sig, ok := sigsByName[name]
	if !ok {
		return fmt.Errorf("function %q: %w", name, errMissingSignature)
	}

	stub, err := GetStub64To32(sig)
	if err != nil {
		return err
	}

	stubStart := b.textOut.Header.Size

	// The re-exported external keeps the original's undefined state.
	reexported := *sym
	reexported.Info = elfobj.SymbolInfo(elf.STB_GLOBAL, elf.STT_NOTYPE)

	sym.Value = stubStart
	sym.Size = uint64(len(stub.Code))
	sym.Info = elfobj.SymbolInfo(elf.STB_LOCAL, elf.STT_NOTYPE)
	sym.Shndx = uint16(b.textOutIndex)

	newSymbolIndex, err := b.symtabSection.AppendSymbol(reexported)
	if err != nil {
		return err
	}

	slog.Debug("generated outbound thunk",
		"function", name,
		"offset", fmt.Sprintf("0x%02x", stubStart),
		"size", len(stub.Code),
	)

	return b.wireStub(stub, stubStart, newSymbolIndex,
		b.relTextOut, b.textOut, b.textOutSymbol,
		b.relRodataOut, b.rodataOut, b.rodataOutSymbol,
		selector32, selector64)
}

// wireStub appends the stub code, its two jump-table entries and the five
// relocations that tie them together: the two far-jump operands point at the
// jump-table entries, the call displacement points at the callee, and each
// jump-table entry points back at the instruction following its far jump.
func (b *thunkBuilder) wireStub(stub *Stub, stubStart uint64, calleeSymbol uint32,
	relText *elfobj.Section, text *elfobj.Section, textSymbol uint32,
	relRodata *elfobj.Section, rodata *elfobj.Section, rodataSymbol uint32,
	firstSelector byte, secondSelector byte,
) error {
	if _, err := relText.AppendReloc(elfobj.Relocation{
		Offset: stubStart + uint64(stub.FirstJumpRelOffset),
		Sym:    rodataSymbol,
		Type:   uint32(elf.R_386_32),
		Addend: int64(rodata.Header.Size),
	}); err != nil {
		return err
	}

	if _, err := rodata.AppendBytes(jumpTableEntry(firstSelector)); err != nil {
		return err
	}

	if _, err := relText.AppendReloc(elfobj.Relocation{
		Offset: stubStart + uint64(stub.CallRelOffset),
		Sym:    calleeSymbol,
		Type:   uint32(elf.R_386_PC32),
		Addend: -4,
	}); err != nil {
		return err
	}

	if _, err := relText.AppendReloc(elfobj.Relocation{
		Offset: stubStart + uint64(stub.SecondJumpRelOffset),
		Sym:    rodataSymbol,
		Type:   uint32(elf.R_386_32),
		Addend: int64(rodata.Header.Size),
	}); err != nil {
		return err
	}

	if _, err := rodata.AppendBytes(jumpTableEntry(secondSelector)); err != nil {
		return err
	}

	if _, err := text.AppendBytes(stub.Code); err != nil {
		return err
	}

	// Each jump-table entry resumes execution right after the 4-byte operand
	// of the far jump that used it.
	tableEnd := rodata.Header.Size

	if _, err := relRodata.AppendReloc(elfobj.Relocation{
		Offset: tableEnd - 2*jumpTableEntryLength,
		Sym:    textSymbol,
		Type:   uint32(elf.R_386_32),
		Addend: int64(stubStart) + int64(stub.FirstJumpRelOffset) + 4,
	}); err != nil {
		return err
	}

	if _, err := relRodata.AppendReloc(elfobj.Relocation{
		Offset: tableEnd - jumpTableEntryLength,
		Sym:    textSymbol,
		Type:   uint32(elf.R_386_32),
		Addend: int64(stubStart) + int64(stub.SecondJumpRelOffset) + 4,
	}); err != nil {
		return err
	}

	return nil
}

// jumpTableEntry builds one far-jump target: a zeroed 32-bit offset that a
// relocation fills in, followed by the destination code segment selector.
func jumpTableEntry(selector byte) []byte {
	return []byte{0, 0, 0, 0, selector, 0, 0, 0}
}
