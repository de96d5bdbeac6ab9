// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/platinasystems/log"

	"github.com/platinasystems/kexec-lite/internal/fdt"
	"github.com/platinasystems/kexec-lite/internal/memmap"
)

type Region struct {
	Name string
	Addr uint64
	Size uint64
}

func (r Region) String() string {
	return fmt.Sprintf("%s: %x-%x", r.Name, r.Addr, r.Addr+r.Size)
}

// NewStyleFunc may take over the reservations that follow it; it returns
// true if it did.
type NewStyleFunc func(ctx *Context) (bool, error)

// Context carries one reservation pass.
type Context struct {
	Map           *memmap.FreeMap
	Tree          *fdt.Tree
	Mode          Mode
	ReserveInitrd bool
	NewStyle      NewStyleFunc

	// Reserved lists the regions taken by the pass, in order.
	Reserved []Region

	superseded bool
}

// Rule is one step of the reservation pass. Legacy rules are skipped once
// a new style reservation has handled the pass.
type Rule struct {
	Name    string
	Legacy  bool
	Applies func(ctx *Context) bool
	Reserve func(ctx *Context) error
}

// Rules is the ppc64 reservation order: the running kernel, the MMU hash
// table, new style reservations, then initrd, RTAS and OPAL.
var Rules = []Rule{
	{
		Name:    "kernel",
		Reserve: reserveKernel,
	},
	{
		Name:    "htab",
		Applies: func(ctx *Context) bool { return ctx.Mode == BareMetal },
		Reserve: reserveHtab,
	},
	{
		Name:    "new-style",
		Applies: func(ctx *Context) bool { return ctx.NewStyle != nil },
		Reserve: func(ctx *Context) (err error) {
			ctx.superseded, err = ctx.NewStyle(ctx)
			return
		},
	},
	{
		Name:    "initrd",
		Legacy:  true,
		Applies: func(ctx *Context) bool { return ctx.ReserveInitrd },
		Reserve: reserveInitrd,
	},
	{
		Name:    "rtas",
		Legacy:  true,
		Applies: func(ctx *Context) bool { return ctx.Tree.Path("/rtas") != nil },
		Reserve: reserveRtas,
	},
	{
		Name:   "opal",
		Legacy: true,
		Applies: func(ctx *Context) bool {
			return ctx.Tree.Path("/ibm,opal") != nil
		},
		Reserve: reserveOpal,
	},
}

// ReserveRegions removes every region the new kernel must not overwrite
// from the context's map. Any error is fatal.
func ReserveRegions(ctx *Context) error {
	for _, r := range Rules {
		if r.Legacy && ctx.superseded {
			continue
		}
		if r.Applies != nil && !r.Applies(ctx) {
			continue
		}
		if err := r.Reserve(ctx); err != nil {
			return fatal(errors.Wrapf(err, "reserve %s", r.Name))
		}
	}
	return nil
}

func (ctx *Context) reserve(r Region) error {
	if err := ctx.Map.ReserveAt(r.Addr, r.Size); err != nil {
		return fatal(errors.Wrapf(err, "%s", r.Name))
	}
	ctx.Reserved = append(ctx.Reserved, r)
	return nil
}

// memRsv keeps the region reserved for the next kernel too.
func (ctx *Context) memRsv(r Region) {
	advise("fdt_add_mem_rsv "+r.Name, ctx.Tree.AddMemRsv(r.Addr, r.Size))
}

func (ctx *Context) chosen() (*fdt.Node, error) {
	n := ctx.Tree.Path("/chosen")
	if n == nil {
		return nil, fatal(ErrNoChosen)
	}
	return n, nil
}

// The running kernel starts at zero; a relocated one would have to publish
// its start in /chosen.
func reserveKernel(ctx *Context) error {
	chosen, err := ctx.chosen()
	if err != nil {
		return err
	}
	end, err := ctx.Tree.Uint64(chosen, "linux,kernel-end")
	if err != nil {
		return fatal(err)
	}
	return ctx.reserve(Region{"kernel", 0, end})
}

func reserveHtab(ctx *Context) error {
	chosen, err := ctx.chosen()
	if err != nil {
		return err
	}
	base, err := ctx.Tree.Uint64(chosen, "linux,htab-base")
	if err != nil {
		return fatal(err)
	}
	size, err := ctx.Tree.Uint64(chosen, "linux,htab-size")
	if err != nil {
		return fatal(err)
	}
	if base >= ctx.Map.MemTop {
		log.Print("debug", "htab ", Region{"htab", base, size},
			" above memory map")
		return nil
	}
	return ctx.reserve(Region{"htab", base, size})
}

// reserveInitrd takes the running initrd, if any, below MemTop.
func reserveInitrd(ctx *Context) error {
	chosen, err := ctx.chosen()
	if err != nil {
		return err
	}
	start, err := ctx.Tree.Cells(chosen, "linux,initrd-start")
	if err != nil {
		return nil
	}
	end, err := ctx.Tree.Cells(chosen, "linux,initrd-end")
	if err != nil {
		return nil
	}
	if start >= ctx.Map.MemTop {
		return nil
	}
	if end < start {
		return fatalf(memmap.ErrOutOfRange, "initrd %x-%x", start, end)
	}
	if end == start {
		return nil
	}
	return ctx.reserve(Region{"initrd", start, end - start})
}

func reserveRtas(ctx *Context) error {
	n := ctx.Tree.Path("/rtas")
	base, err := ctx.Tree.Uint32(n, "linux,rtas-base")
	if err != nil {
		return fatal(err)
	}
	size, err := ctx.Tree.Uint32(n, "rtas-size")
	if err != nil {
		return fatal(err)
	}
	r := Region{"rtas", uint64(base), uint64(size)}
	if err = ctx.reserve(r); err != nil {
		return err
	}
	ctx.memRsv(r)
	return nil
}

func reserveOpal(ctx *Context) error {
	n := ctx.Tree.Path("/ibm,opal")
	base, err := ctx.Tree.Uint64(n, "opal-base-address")
	if err != nil {
		return fatal(err)
	}
	size, err := ctx.Tree.Uint64(n, "opal-runtime-size")
	if err != nil {
		return fatal(err)
	}
	r := Region{"opal", base, size}
	if err = ctx.reserve(r); err != nil {
		return err
	}
	ctx.memRsv(r)
	return nil
}

// DefaultNewStyle reserves the root reserved-ranges, pairs of 64 bit
// address and size, and the initrd if requested. Trees without
// reserved-ranges are left to the legacy rules.
func DefaultNewStyle(ctx *Context) (bool, error) {
	v, found := ctx.Tree.RootNode.Properties["reserved-ranges"]
	if !found {
		return false, nil
	}
	if len(v)%16 != 0 {
		return false, fatalf(fdt.ErrBadProperty, "reserved-ranges: %d bytes",
			len(v))
	}
	for ; len(v) > 0; v = v[16:] {
		r := Region{
			Name: "reserved-ranges",
			Addr: ctx.Tree.PropUint64(v),
			Size: ctx.Tree.PropUint64(v[8:]),
		}
		if r.Addr >= ctx.Map.MemTop || r.Size == 0 {
			continue
		}
		if err := ctx.reserve(r); err != nil {
			return false, err
		}
	}
	if ctx.ReserveInitrd {
		if err := reserveInitrd(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}
