// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package memmap tracks the free physical memory available to a kexec'd
// kernel and carves reservations out of it.
package memmap

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"

	"github.com/platinasystems/kexec-lite/internal/fdt"
)

const (
	PageSize64K = 0x10000

	// NoFixedStart lets Fill choose the placement base.
	NoFixedStart = ^uint64(0)

	// DefaultBase is the placement base used without a fixed start; it
	// keeps dynamic placements off the first 64K page.
	DefaultBase = PageSize64K
)

var (
	ErrOverlap    = errors.New("region is not free")
	ErrOutOfRange = errors.New("region out of range")
	ErrNoSpace    = errors.New("no free range large enough")
	ErrNoMemory   = errors.New("no usable memory")
)

func AlignUp[T constraints.Unsigned](x, a T) T {
	return (x + a - 1) &^ (a - 1)
}

func AlignDown[T constraints.Unsigned](x, a T) T {
	return x &^ (a - 1)
}

type Range struct {
	Start uint64
	End   uint64
}

func (r Range) String() string {
	return fmt.Sprintf("%x-%x", r.Start, r.End)
}

func (r Range) Size() uint64 { return r.End - r.Start }

// FreeMap is a sorted list of disjoint free ranges below MemTop.
type FreeMap struct {
	Ranges []Range
	// MemTop is the end of the highest free range once filled.
	MemTop uint64
	// Base is the lowest address ReserveHigh may return.
	Base uint64
}

func New(base uint64) *FreeMap {
	if base == NoFixedStart {
		base = DefaultBase
	}
	return &FreeMap{Base: base}
}

func (m *FreeMap) String() string {
	s := make([]string, len(m.Ranges))
	for i, r := range m.Ranges {
		s[i] = r.String()
	}
	return fmt.Sprintf("[%s] top %x base %x", strings.Join(s, " "),
		m.MemTop, m.Base)
}

// Size is the total of the free ranges.
func (m *FreeMap) Size() (n uint64) {
	for _, r := range m.Ranges {
		n += r.Size()
	}
	return
}

// Free adds [start, start+size) to the map, merging it with any adjacent
// or overlapping range, and raises MemTop to cover it.
func (m *FreeMap) Free(start, size uint64) {
	if size == 0 {
		return
	}
	r := Range{start, start + size}
	if r.End < r.Start {
		r.End = ^uint64(0)
	}
	i := 0
	for i < len(m.Ranges) && m.Ranges[i].End < r.Start {
		i++
	}
	j := i
	for j < len(m.Ranges) && m.Ranges[j].Start <= r.End {
		if m.Ranges[j].Start < r.Start {
			r.Start = m.Ranges[j].Start
		}
		if m.Ranges[j].End > r.End {
			r.End = m.Ranges[j].End
		}
		j++
	}
	m.Ranges = slices.Insert(slices.Delete(m.Ranges, i, j), i, r)
	if r.End > m.MemTop {
		m.MemTop = r.End
	}
}

// ReserveAt removes [start, start+size) from the map. A region that starts
// below MemTop but ends above it is not an error: the part at or above
// MemTop is outside of the map and ignored, since nothing there can be
// allocated. The rest must lie within a single free range. The map is
// unchanged on error.
func (m *FreeMap) ReserveAt(start, size uint64) error {
	end := start + size
	switch {
	case size == 0:
		return errors.Wrapf(ErrOutOfRange, "%x: empty", start)
	case end < start:
		return errors.Wrapf(ErrOutOfRange, "%x+%x: wraps", start, size)
	case start >= m.MemTop:
		return errors.Wrapf(ErrOutOfRange, "%x-%x: above %x",
			start, end, m.MemTop)
	}
	if end > m.MemTop {
		end = m.MemTop
	}
	for i, r := range m.Ranges {
		if r.Start <= start && end <= r.End {
			m.carve(i, start, end)
			return nil
		}
	}
	return errors.Wrapf(ErrOverlap, "%x-%x", start, end)
}

// ReserveHigh removes the highest size bytes, aligned to align, at or above
// Base and returns their address.
func (m *FreeMap) ReserveHigh(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.Wrap(ErrOutOfRange, "empty")
	}
	if align == 0 {
		align = 1
	}
	for i := len(m.Ranges) - 1; i >= 0; i-- {
		r := m.Ranges[i]
		if r.Size() < size {
			continue
		}
		start := AlignDown(r.End-size, align)
		if start < r.Start || start < m.Base {
			continue
		}
		m.carve(i, start, start+size)
		return start, nil
	}
	return 0, errors.Wrapf(ErrNoSpace, "%x bytes aligned %x", size, align)
}

func (m *FreeMap) carve(i int, start, end uint64) {
	r := m.Ranges[i]
	var keep []Range
	if r.Start < start {
		keep = append(keep, Range{r.Start, start})
	}
	if end < r.End {
		keep = append(keep, Range{end, r.End})
	}
	m.Ranges = slices.Insert(slices.Delete(m.Ranges, i, i+1), i, keep...)
}

// Fill returns a map of the memory nodes of the device tree clipped to
// memCap. Without a fixedStart, the placement base is DefaultBase.
func Fill(t *fdt.Tree, memCap, fixedStart uint64) (*FreeMap, error) {
	m := New(fixedStart)
	ac, sc := t.AddressCells(), t.SizeCells()
	var err error
	t.EachProperty("device_type", "memory",
		func(n *fdt.Node, name, value string) {
			if err != nil || t.PropString([]byte(value)) != "memory" {
				return
			}
			reg, found := n.Properties["reg"]
			if !found {
				err = errors.Wrapf(fdt.ErrMissingProperty,
					"%s/reg", n.Name)
				return
			}
			for len(reg) > 0 {
				var addr, size uint64
				if addr, reg, err = t.ReadCells(reg, ac); err != nil {
					err = errors.Wrapf(err, "%s/reg", n.Name)
					return
				}
				if size, reg, err = t.ReadCells(reg, sc); err != nil {
					err = errors.Wrapf(err, "%s/reg", n.Name)
					return
				}
				if addr >= memCap {
					continue
				}
				if size > memCap-addr {
					size = memCap - addr
				}
				m.Free(addr, size)
			}
		})
	if err != nil {
		return nil, err
	}
	if len(m.Ranges) == 0 {
		return nil, errors.Wrapf(ErrNoMemory, "below %x", memCap)
	}
	return m, nil
}
