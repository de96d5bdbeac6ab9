// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"bytes"
	"debug/elf"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/platinasystems/kexec-lite/internal/memmap"
)

type Prog struct {
	Type   elf.ProgType
	Paddr  uint64
	Memsz  uint64
	Off    uint64
	Filesz uint64
}

// Image describes a candidate kernel.
type Image struct {
	Machine elf.Machine
	Path    string
	Entry   uint64
	Progs   []Prog

	src io.ReaderAt
}

func ImageFromELF(f *elf.File, path string) *Image {
	img := &Image{
		Machine: f.Machine,
		Path:    path,
		Entry:   f.Entry,
		Progs:   make([]Prog, len(f.Progs)),
	}
	for i, p := range f.Progs {
		img.Progs[i] = Prog{
			Type:   p.Type,
			Paddr:  p.Paddr,
			Memsz:  p.Memsz,
			Off:    p.Off,
			Filesz: p.Filesz,
		}
	}
	return img
}

// ParseImage decodes an ELF kernel held in b.
func ParseImage(b []byte, path string) (*Image, error) {
	r := bytes.NewReader(b)
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fatalf(err, "load_kernel: %s", path)
	}
	img := ImageFromELF(f, path)
	img.src = r
	return img, nil
}

func CheckImage(img *Image) error {
	if img.Machine != elf.EM_PPC64 {
		return fatalf(ErrArchitectureMismatch, "load_kernel: %s is %v",
			img.Path, img.Machine)
	}
	return nil
}

// span returns the physical bounds of the loadable segments.
func (img *Image) span() (start, end uint64, err error) {
	start = ^uint64(0)
	loadable := false
	for _, p := range img.Progs {
		switch p.Type {
		case elf.PT_INTERP:
			return 0, 0, fatalf(ErrInterpreter, "load_kernel: %s",
				img.Path)
		case elf.PT_LOAD:
			if p.Paddr+p.Memsz < p.Paddr {
				return 0, 0, fatalf(ErrSegment,
					"load_kernel: %s: %x+%x wraps",
					img.Path, p.Paddr, p.Memsz)
			}
			loadable = true
			if p.Paddr < start {
				start = p.Paddr
			}
			if p.Paddr+p.Memsz > end {
				end = p.Paddr + p.Memsz
			}
		}
	}
	if !loadable {
		return 0, 0, fatalf(ErrNoLoadable, "load_kernel: %s", img.Path)
	}
	return
}

// KernelSize is the 64K aligned footprint of the loadable segments.
func KernelSize(img *Image) (uint64, error) {
	start, end, err := img.span()
	if err != nil {
		return 0, err
	}
	return memmap.AlignUp(end-start, memmap.PageSize64K), nil
}

// Resident copies the loadable segments into one buffer of KernelSize
// bytes, as they would lie in memory from the lowest physical address.
func (img *Image) Resident() ([]byte, error) {
	start, _, err := img.span()
	if err != nil {
		return nil, err
	}
	size, err := KernelSize(img)
	if err != nil {
		return nil, err
	}
	if size > MemoryCap {
		return nil, fatalf(ErrSegment, "load_kernel: %s: %x bytes > %x",
			img.Path, size, uint64(MemoryCap))
	}
	if img.src == nil {
		return nil, fatalf(ErrNoLoadable, "load_kernel: %s: no data",
			img.Path)
	}
	buf := make([]byte, size)
	for _, p := range img.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return nil, fatalf(ErrSegment,
				"load_kernel: %s: filesz %x > memsz %x",
				img.Path, p.Filesz, p.Memsz)
		}
		o := p.Paddr - start
		_, err = img.src.ReadAt(buf[o:o+p.Filesz], int64(p.Off))
		if err != nil {
			return nil, fatal(errors.Wrapf(err, "load_kernel: %s",
				img.Path))
		}
	}
	return buf, nil
}
