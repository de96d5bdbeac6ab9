// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/platinasystems/kexec-lite/internal/memmap"
)

const (
	// instrSize is the trampoline entry instruction kept ahead of the
	// kernel prefix.
	instrSize = 4
	// prefixSize bytes of the kernel, the exception vectors and secondary
	// hold loop, are overlaid on the trampoline.
	prefixSize = 0x100
)

// Blob is precompiled handoff code with two 64 bit slots patched at load.
type Blob struct {
	Code      []byte
	KernelOff int
	TreeOff   int
}

func (b Blob) check() error {
	n := len(b.Code)
	switch {
	case n < instrSize:
		return errors.Wrapf(ErrBlob, "%d bytes", n)
	case b.KernelOff < instrSize || b.KernelOff+8 > n:
		return errors.Wrapf(ErrBlob, "kernel slot 0x%x", b.KernelOff)
	case b.TreeOff < instrSize || b.TreeOff+8 > n:
		return errors.Wrapf(ErrBlob, "device tree slot 0x%x", b.TreeOff)
	}
	return nil
}

// PPC64Trampoline is big endian ppc64 code that enters the kernel with
// r3 = device tree, r4 = kernel, r5 = 0.
//
//	0x000 : 0x48000100 - b     0x100
//	0x004 : 0x60000000 - nop   (overlaid by the kernel's first 0x100 bytes)
//	...
//	0x100 : 0x48000005 - bl    0x104
//	0x104 : 0x7e4802a6 - mflr  r18
//	0x108 : 0xe8720024 - ld    r3,0x24(r18)  (0x128)
//	0x10c : 0xe892001c - ld    r4,0x1c(r18)  (0x120)
//	0x110 : 0x7c8903a6 - mtctr r4
//	0x114 : 0x38a00000 - li    r5,0
//	0x118 : 0x4e800420 - bctr
//	0x11c : 0x60000000 - nop
//	0x120 : kernel
//	0x128 : device tree
var PPC64Trampoline = Blob{
	Code:      ppc64Trampoline(),
	KernelOff: 0x120,
	TreeOff:   0x128,
}

func ppc64Trampoline() []byte {
	const nop = 0x60000000
	b := make([]byte, 0x130)
	put := func(off int, insn uint32) {
		binary.BigEndian.PutUint32(b[off:], insn)
	}
	put(0, 0x48000100)
	for off := instrSize; off < prefixSize; off += instrSize {
		put(off, nop)
	}
	for i, insn := range []uint32{
		0x48000005,
		0x7e4802a6,
		0xe8720024,
		0xe892001c,
		0x7c8903a6,
		0x38a00000,
		0x4e800420,
		nop,
	} {
		put(prefixSize+instrSize*i, insn)
	}
	return b
}

// BuildTrampoline copies the blob, overlays the kernel prefix after the
// first instruction, and patches the kernel and device tree addresses.
func BuildTrampoline(blob Blob, kernel []byte, kernelAddr, treeAddr uint64) ([]byte, error) {
	if err := blob.check(); err != nil {
		return nil, fatal(err)
	}
	if len(kernel) < prefixSize {
		return nil, fatalf(ErrShortKernel, "%d bytes", len(kernel))
	}
	p := make([]byte, len(blob.Code))
	copy(p, blob.Code)
	copy(p[instrSize:], kernel[instrSize:prefixSize])
	binary.BigEndian.PutUint64(p[blob.KernelOff:], kernelAddr)
	binary.BigEndian.PutUint64(p[blob.TreeOff:], treeAddr)
	return p, nil
}

// LoadTrampoline places the handoff code as high as possible and registers
// it as the "trampoline" segment. The returned address is the kexec entry.
func LoadTrampoline(reg *Registry, m *memmap.FreeMap, blob Blob, kernel []byte, kernelAddr, treeAddr uint64) (uint64, error) {
	p, err := BuildTrampoline(blob, kernel, kernelAddr, treeAddr)
	if err != nil {
		return 0, err
	}
	memsz := memmap.AlignUp(uint64(len(p)), memmap.PageSize64K)
	dest, err := m.ReserveHigh(memsz, memmap.PageSize64K)
	if err != nil {
		return 0, fatalf(err, "trampoline")
	}
	if err = reg.Add("trampoline", p, dest, memsz); err != nil {
		return 0, err
	}
	return dest, nil
}
