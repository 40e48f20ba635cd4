package elfobj

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/pgrzes/elfbridge/internal/align"
	"github.com/pgrzes/elfbridge/internal/iometa"
)

var (
	errRegionOffsetInvalid = errors.New("region offset is less than number of bytes already written")
	errRegionSizeMismatch  = errors.New("packed region size does not match region length")
)

// region is one relocatable chunk of the output file: the file header, a
// content-bearing section, or the section header table. Offsets are read and
// written through accessors so the authoritative field in the object stays
// in charge.
type region struct {
	name      string
	offset    func() uint64
	length    uint64
	alignment uint64
	move      func(uint64)
	pack      func() ([]byte, error)
}

func (o *Object) regions() ([]*region, error) {
	regions := make([]*region, 0, len(o.Sections)+2)

	regions = append(regions, &region{
		name:      "file header",
		offset:    func() uint64 { return 0 },
		length:    uint64(HeaderSize(o.Bitness)),
		alignment: 1,
		move: func(addr uint64) {
			if addr != 0 {
				panic(fmt.Sprintf("file header region moved to %#x; it must stay at offset 0", addr))
			}
		},
		pack: func() ([]byte, error) { return o.Header.encode(o.Bitness) },
	})

	for i, s := range o.Sections {
		if !s.HasContent() {
			continue
		}

		length := s.Content.encodedSize(o.Bitness)
		if length != s.Header.Size {
			return nil, fmt.Errorf("section %s content is %d bytes but sh_size says %d: %w",
				o.SectionName(i), length, s.Header.Size, ErrInconsistentSection)
		}

		alignment := s.Header.Addralign
		if alignment == 0 {
			alignment = 1
		}

		section := s
		regions = append(regions, &region{
			name:      o.SectionName(i),
			offset:    func() uint64 { return section.Header.Offset },
			length:    length,
			alignment: alignment,
			move:      func(addr uint64) { section.Header.Offset = addr },
			pack:      func() ([]byte, error) { return section.Content.encode(o.Bitness) },
		})
	}

	regions = append(regions, &region{
		name:      "section headers",
		offset:    func() uint64 { return o.Header.Shoff },
		length:    uint64(len(o.Sections) * SectionHeaderSize(o.Bitness)),
		alignment: 8,
		move:      func(addr uint64) { o.Header.Shoff = addr },
		pack: func() ([]byte, error) {
			buff := &bytes.Buffer{}
			for i, s := range o.Sections {
				data, err := s.Header.encode(o.Bitness)
				if err != nil {
					return nil, fmt.Errorf("failed to encode section header %d: %w", i, err)
				}

				buff.Write(data)
			}

			return buff.Bytes(), nil
		},
	})

	return regions, nil
}

// layout sweeps the regions in file order, snapping any region that overlaps
// the previous one forward to the next aligned offset. Regions whose offsets
// are already consistent are left exactly where they are, so a round-tripped
// file keeps its byte layout. Returns the total file size.
func (o *Object) layout(regions []*region) uint64 {
	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].offset() < regions[j].offset()
	})

	endPtr := uint64(0)
	for _, r := range regions {
		if r.offset() < endPtr {
			newStart := align.Address(endPtr, r.alignment)
			slog.Debug("moving region",
				"region", r.name,
				"from", fmt.Sprintf("0x%02x", r.offset()),
				"to", fmt.Sprintf("0x%02x", newStart),
			)
			r.move(newStart)
		}

		endPtr = r.offset() + r.length
	}

	return endPtr
}

// WriteTo lays out the object and writes the final byte image. Gaps between
// regions are zero-filled.
func (o *Object) WriteTo(w io.Writer) (int64, error) {
	regions, err := o.regions()
	if err != nil {
		return 0, err
	}

	o.layout(regions)

	cw := &iometa.CountingWriter{Writer: w}

	for _, r := range regions {
		padding := int(r.offset()) - cw.BytesWritten()
		if padding < 0 {
			return int64(cw.BytesWritten()), fmt.Errorf("region %s at %#x: %w", r.name, r.offset(), errRegionOffsetInvalid)
		}

		if padding > 0 {
			if err := iometa.WriteZeros(cw, padding); err != nil {
				return int64(cw.BytesWritten()), fmt.Errorf("failed to write padding before region %s: %w", r.name, err)
			}
		}

		data, err := r.pack()
		if err != nil {
			return int64(cw.BytesWritten()), fmt.Errorf("failed to pack region %s: %w", r.name, err)
		}

		if uint64(len(data)) != r.length {
			return int64(cw.BytesWritten()), fmt.Errorf("region %s packed to %d bytes, expected %d: %w", r.name, len(data), r.length, errRegionSizeMismatch)
		}

		slog.Debug("writing region",
			"region", r.name,
			"from", fmt.Sprintf("0x%02x", r.offset()),
			"to", fmt.Sprintf("0x%02x", r.offset()+r.length),
		)

		if _, err := cw.Write(data); err != nil {
			return int64(cw.BytesWritten()), fmt.Errorf("failed to write region %s: %w", r.name, err)
		}
	}

	return int64(cw.BytesWritten()), nil
}

// Pack lays out the object and returns the final byte image.
func (o *Object) Pack() ([]byte, error) {
	buff := &bytes.Buffer{}
	if _, err := o.WriteTo(buff); err != nil {
		return nil, err
	}

	return buff.Bytes(), nil
}

// WriteFile writes the final byte image to the given path.
func (o *Object) WriteFile(path string) error {
	output, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open output file: %w", err)
	}
	defer output.Close()

	if _, err := o.WriteTo(output); err != nil {
		return fmt.Errorf("failed to write object to '%s': %w", path, err)
	}

	return nil
}
