// Package thunk synthesises 32/64-bit mode-switch trampolines for the
// exported functions of a converted object and wires them into its symbol
// and relocation tables.
package thunk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrUnsupportedSignature = errors.New("unsupported function signature")

// Signature describes one function crossing the ABI boundary: its name, its
// return type and its argument types in order.
type Signature struct {
	Name   string
	Return string
	Args   []string
}

// Argument and return value sizes in the 32-bit ABI. Pointers cross the
// boundary as 32-bit values.
var typeSizes = map[string]int{
	"int":       4,
	"uint":      4,
	"long":      4,
	"ulong":     4,
	"ptr":       4,
	"longlong":  8,
	"ulonglong": 8,
}

func typeSize(typ string) (int, error) {
	size, ok := typeSizes[typ]
	if !ok {
		return 0, fmt.Errorf("unknown type %q: %w", typ, ErrUnsupportedSignature)
	}

	return size, nil
}

func (s Signature) argsSize() (int, error) {
	total := 0
	for _, typ := range s.Args {
		size, err := typeSize(typ)
		if err != nil {
			return 0, fmt.Errorf("argument of %s: %w", s.Name, err)
		}

		total += size
	}

	return total, nil
}

// ParseSignatures reads a signature list: one function per line, as
// 'name return-type argument-type...'. Blank lines are skipped. Order is
// preserved.
func ParseSignatures(r io.Reader) ([]Signature, error) {
	var signatures []Signature

	scanner := bufio.NewScanner(r)
	line := 0

	for scanner.Scan() {
		line++

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d needs at least a name and a return type: %w", line, ErrUnsupportedSignature)
		}

		signatures = append(signatures, Signature{
			Name:   fields[0],
			Return: fields[1],
			Args:   fields[2:],
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read signature list: %w", err)
	}

	return signatures, nil
}

// ReadSignatureFile reads a signature list from a file.
func ReadSignatureFile(path string) ([]Signature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open signature file: %w", err)
	}
	defer f.Close()

	signatures, err := ParseSignatures(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse '%s': %w", path, err)
	}

	return signatures, nil
}
