package main

import (
	"fmt"
	"os"

	"github.com/pgrzes/elfbridge/internal/elfobj"
	"github.com/spf13/cobra"
)

func newDumpCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump object",
		Short: "Print the parsed structure of a relocatable object",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("could not read input object: %w", err)
			}

			obj, err := elfobj.Parse(data)
			if err != nil {
				return fmt.Errorf("failed to parse '%s': %w", args[0], err)
			}

			dumpObject(obj)
			return nil
		},
	}
}

func dumpObject(obj *elfobj.Object) {
	fmt.Printf("%v %v, %d sections, section headers at 0x%x\n",
		obj.Bitness, obj.Header.Machine, len(obj.Sections), obj.Header.Shoff)

	for i, s := range obj.Sections {
		fmt.Printf("[%2d] %-24s %-12v off=0x%06x size=0x%06x link=%d info=%d align=%d\n",
			i, obj.SectionName(i), s.Header.Type, s.Header.Offset, s.Header.Size,
			s.Header.Link, s.Header.Info, s.Header.Addralign)

		if symtab, ok := s.Symbols(); ok {
			for j, sym := range symtab.Symbols {
				fmt.Printf("     sym %3d: %-24s %v %v value=0x%x size=%d shndx=%d\n",
					j, obj.SymbolName(s, sym), sym.Bind(), sym.Type(), sym.Value, sym.Size, sym.Shndx)
			}
		}

		if relocs, ok := s.Relocations(); ok {
			for j, rel := range relocs.Entries {
				fmt.Printf("     rel %3d: offset=0x%06x sym=%d (%s) type=%d addend=%d\n",
					j, rel.Offset, rel.Sym, obj.RelocSymbolName(s, rel), rel.Type, rel.Addend)
			}
		}
	}
}
