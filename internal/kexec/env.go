// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"github.com/platinasystems/kexec-lite/internal/fdt"
	"github.com/platinasystems/kexec-lite/internal/memmap"
)

// MemoryCap bounds the memory map of a ppc64 kexec.
const MemoryCap = 2 << 30

type Mode int

const (
	BareMetal Mode = iota
	Partitioned
)

func (m Mode) String() string {
	if m == Partitioned {
		return "lpar"
	}
	return "bare-metal"
}

// FixedStart is the placement base of the memory map; a hypervisor may put
// the kernel anywhere from zero.
func (m Mode) FixedStart() uint64 {
	if m == Partitioned {
		return 0
	}
	return memmap.NoFixedStart
}

// Classify returns Partitioned if the RTAS node lists hypervisor functions.
func Classify(t *fdt.Tree) Mode {
	if n := t.Path("/rtas"); n != nil {
		if _, found := n.Properties["ibm,hypertas-functions"]; found {
			return Partitioned
		}
	}
	return BareMetal
}

// FillMap builds the free memory map of the device tree.
func FillMap(t *fdt.Tree, mode Mode) (*memmap.FreeMap, error) {
	m, err := memmap.Fill(t, MemoryCap, mode.FixedStart())
	if err != nil {
		return nil, fatalf(err, "fill memory map")
	}
	return m, nil
}
