// Package bootimage loads a flat guest binary into the byte slice
// sandbox.NewUninitialized copies into guest memory, prepending the
// 8-byte little-endian entry address sandbox.entrypointFromImage expects
// to find at offset zero.
//
// Two input shapes are accepted: a raw flat binary (copied verbatim,
// entry address equal to its load base), or an ELF64 executable, whose
// PT_LOAD segments are relocated to their Paddr and whose e_entry
// becomes the stamped entry address.
package bootimage

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// ErrZeroSizeImage is returned when an input produced no usable payload
// bytes at all.
var ErrZeroSizeImage = errors.New("bootimage: zero-size image")

// Build loads src — either a raw flat binary or an ELF64 executable —
// and returns a buffer sized to capacity with the 8-byte little-endian
// entry address at offset 0 followed by the image's loaded bytes placed
// at their intended physical offsets (offset 8 for a flat binary, or
// each PT_LOAD segment's Paddr for ELF, relocated by 8 to make room for
// the prepended entry address).
func Build(src io.ReaderAt, loadBase uint64, capacity uint64) ([]byte, error) {
	const entryHeaderLen = 8

	if capacity < entryHeaderLen {
		return nil, fmt.Errorf("bootimage: capacity %d too small for entry header", capacity)
	}

	buf := make([]byte, capacity)

	entry := loadBase
	loaded := 0

	if f, err := elf.NewFile(src); err == nil {
		defer f.Close()

		entry = f.Entry

		for i, p := range f.Progs {
			if p.Type != elf.PT_LOAD {
				continue
			}

			dst := entryHeaderLen + p.Paddr
			if dst+p.Filesz > capacity {
				return nil, fmt.Errorf("bootimage: segment %d@%#x overruns %d-byte image", i, p.Paddr, capacity)
			}

			n, rerr := p.ReadAt(buf[dst:dst+p.Filesz], 0)
			if rerr != nil && !errors.Is(rerr, io.EOF) {
				return nil, fmt.Errorf("bootimage: read segment %d@%#x: %w", i, p.Paddr, rerr)
			}

			loaded += n
		}
	} else {
		n, rerr := src.ReadAt(buf[entryHeaderLen:], 0)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return nil, fmt.Errorf("bootimage: read flat image: %w", rerr)
		}

		loaded = n
	}

	if loaded == 0 {
		return nil, ErrZeroSizeImage
	}

	putLittleEndian64(buf, entry)

	return buf, nil
}

func putLittleEndian64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
