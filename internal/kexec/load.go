// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"fmt"

	"github.com/platinasystems/log"

	"github.com/platinasystems/kexec-lite/internal/fdt"
	"github.com/platinasystems/kexec-lite/internal/memmap"
)

// Config is the input of one Stage.
type Config struct {
	Tree   *fdt.Tree
	Kernel *Image
	// Initrd, if not empty, replaces the running initrd.
	Initrd []byte
	// ReuseInitrd keeps the running initrd for the new kernel.
	ReuseInitrd bool
	// Cmdline, if not empty, replaces /chosen/bootargs.
	Cmdline  string
	NewStyle NewStyleFunc
	// Blob defaults to PPC64Trampoline.
	Blob Blob
}

// Plan is the staged result, ready for Registry.Load(Entry, 0).
type Plan struct {
	Mode       Mode
	Map        *memmap.FreeMap
	Reserved   []Region
	Registry   *Registry
	KernelAddr uint64
	TreeAddr   uint64
	Entry      uint64
}

// Stage classifies the machine, reserves the regions that must survive,
// and places the kernel, initrd, device tree and trampoline.
func Stage(c *Config) (*Plan, error) {
	mode := Classify(c.Tree)
	m, err := FillMap(c.Tree, mode)
	if err != nil {
		return nil, err
	}
	log.Print("info", mode, " memory ", m)

	if err = CheckImage(c.Kernel); err != nil {
		return nil, err
	}
	size, err := KernelSize(c.Kernel)
	if err != nil {
		return nil, err
	}
	if free := m.Size(); size > free {
		return nil, fatalf(memmap.ErrNoSpace, "load_kernel: %s: %x bytes > %x free",
			c.Kernel.Path, size, free)
	}

	ctx := &Context{
		Map:           m,
		Tree:          c.Tree,
		Mode:          mode,
		ReserveInitrd: c.ReuseInitrd,
		NewStyle:      c.NewStyle,
	}
	if err = ReserveRegions(ctx); err != nil {
		return nil, err
	}

	p := &Plan{
		Mode:     mode,
		Map:      m,
		Reserved: ctx.Reserved,
		Registry: NewRegistry(),
	}

	kernel, err := c.Kernel.Resident()
	if err != nil {
		return nil, err
	}
	if p.KernelAddr, err = p.place("kernel", kernel); err != nil {
		return nil, err
	}

	chosen, err := ctx.chosen()
	if err != nil {
		return nil, err
	}
	switch {
	case len(c.Initrd) > 0:
		addr, err := p.place("initrd", c.Initrd)
		if err != nil {
			return nil, err
		}
		chosen.SetProperty("linux,initrd-start",
			c.Tree.PropUint64ToSlice(addr))
		chosen.SetProperty("linux,initrd-end",
			c.Tree.PropUint64ToSlice(addr+uint64(len(c.Initrd))))
	case !c.ReuseInitrd:
		delete(chosen.Properties, "linux,initrd-start")
		delete(chosen.Properties, "linux,initrd-end")
	}
	if len(c.Cmdline) > 0 {
		chosen.SetProperty("bootargs", []byte(c.Cmdline+"\x00"))
	}

	if p.TreeAddr, err = p.place("device tree", c.Tree.Flatten()); err != nil {
		return nil, err
	}

	blob := c.Blob
	if blob.Code == nil {
		blob = PPC64Trampoline
	}
	p.Entry, err = LoadTrampoline(p.Registry, m, blob, kernel,
		p.KernelAddr, p.TreeAddr)
	if err != nil {
		return nil, err
	}
	log.Print("info", fmt.Sprintf("kernel %x device tree %x entry %x",
		p.KernelAddr, p.TreeAddr, p.Entry))
	return p, nil
}

// place reserves the highest 64K aligned home for b and registers it.
func (p *Plan) place(label string, b []byte) (uint64, error) {
	memsz := memmap.AlignUp(uint64(len(b)), memmap.PageSize64K)
	addr, err := p.Map.ReserveHigh(memsz, memmap.PageSize64K)
	if err != nil {
		return 0, fatalf(err, "%s", label)
	}
	if err = p.Registry.Add(label, b, addr, memsz); err != nil {
		return 0, err
	}
	return addr, nil
}
