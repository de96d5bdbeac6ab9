// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/platinasystems/kexec-lite/internal/fdt"
)

const (
	kernelEnd = 0x2000000
	memTop    = MemoryCap
)

// testTree has 4G of memory, clipped to 2G, and the running kernel below
// 32M.
func testTree() *fdt.Tree {
	t := fdt.New()
	root := t.RootNode
	root.SetProperty("#address-cells", t.PropUint32ToSlice(2))
	root.SetProperty("#size-cells", t.PropUint32ToSlice(2))
	mem := root.AddChild("memory@0")
	mem.SetProperty("device_type", []byte("memory\x00"))
	mem.SetProperty("reg", append(t.PropUint64ToSlice(0),
		t.PropUint64ToSlice(4<<30)...))
	chosen := root.AddChild("chosen")
	chosen.SetProperty("linux,kernel-end", t.PropUint64ToSlice(kernelEnd))
	return t
}

func withHtab(t *fdt.Tree, base, size uint64) *fdt.Tree {
	chosen := t.Path("/chosen")
	chosen.SetProperty("linux,htab-base", t.PropUint64ToSlice(base))
	chosen.SetProperty("linux,htab-size", t.PropUint64ToSlice(size))
	return t
}

func withRtas(t *fdt.Tree, base, size uint32) *fdt.Tree {
	rtas := t.RootNode.AddChild("rtas")
	rtas.SetProperty("linux,rtas-base", t.PropUint32ToSlice(base))
	rtas.SetProperty("rtas-size", t.PropUint32ToSlice(size))
	return t
}

func withOpal(t *fdt.Tree, base, size uint64) *fdt.Tree {
	opal := t.RootNode.AddChild("ibm,opal")
	opal.SetProperty("opal-base-address", t.PropUint64ToSlice(base))
	opal.SetProperty("opal-runtime-size", t.PropUint64ToSlice(size))
	return t
}

func withInitrd(t *fdt.Tree, start, end uint32) *fdt.Tree {
	chosen := t.Path("/chosen")
	chosen.SetProperty("linux,initrd-start", t.PropUint32ToSlice(start))
	chosen.SetProperty("linux,initrd-end", t.PropUint32ToSlice(end))
	return t
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

// testImage is a ppc64 kernel with a single 128K loadable segment whose
// first 0x200 bytes are in the file.
func testImage() *Image {
	data := pattern(0x200)
	return &Image{
		Machine: elf.EM_PPC64,
		Path:    "vmlinux",
		Entry:   0xc000000000000000,
		Progs: []Prog{
			{Type: elf.PT_LOAD, Paddr: 0, Memsz: 0x20000,
				Off: 0, Filesz: uint64(len(data))},
			{Type: elf.PT_NOTE, Paddr: 0x100, Memsz: 0x20},
		},
		src: bytes.NewReader(data),
	}
}

// elfFile encodes a big endian ELF64 executable with the given program
// headers followed by data.
func elfFile(machine elf.Machine, progs []elf.Prog64, data []byte) []byte {
	const ehsize, phentsize = 64, 56
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	h := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0xc000000000000000,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(progs)),
	}
	dataOff := uint64(ehsize + phentsize*len(progs))
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, &h)
	for _, p := range progs {
		p.Off += dataOff
		binary.Write(buf, binary.BigEndian, &p)
	}
	buf.Write(data)
	return buf.Bytes()
}
