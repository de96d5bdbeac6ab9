// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package memmap

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/kexec-lite/internal/fdt"
)

func mapOf(base uint64, ranges ...Range) *FreeMap {
	m := New(base)
	for _, r := range ranges {
		m.Free(r.Start, r.Size())
	}
	return m
}

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(0x20000), AlignUp(uint64(0x20000), PageSize64K))
	assert.Equal(t, uint64(0x10000), AlignUp(uint64(300), PageSize64K))
	assert.Equal(t, uint64(0), AlignUp(uint64(0), PageSize64K))
	assert.Equal(t, uint32(0x10000), AlignDown(uint32(0x1ffff), 0x10000))
}

func TestFreeMerges(t *testing.T) {
	m := mapOf(0,
		Range{0x3000, 0x4000},
		Range{0, 0x1000},
		Range{0x1000, 0x2000},
		Range{0x3800, 0x5000})
	assert.Equal(t, []Range{{0, 0x2000}, {0x3000, 0x5000}}, m.Ranges)
	assert.Equal(t, uint64(0x5000), m.MemTop)
	assert.Equal(t, uint64(0x4000), m.Size())
}

func TestReserveAt(t *testing.T) {
	m := mapOf(0, Range{0, 0x100000})

	require.NoError(t, m.ReserveAt(0x10000, 0x10000))
	assert.Equal(t, []Range{{0, 0x10000}, {0x20000, 0x100000}}, m.Ranges)

	require.NoError(t, m.ReserveAt(0, 0x10000))
	assert.Equal(t, []Range{{0x20000, 0x100000}}, m.Ranges)

	require.NoError(t, m.ReserveAt(0xf0000, 0x10000))
	assert.Equal(t, []Range{{0x20000, 0xf0000}}, m.Ranges)
}

func TestReserveAtOverlap(t *testing.T) {
	m := mapOf(0, Range{0, 0x100000})
	require.NoError(t, m.ReserveAt(0x10000, 0x20000))
	before := append([]Range{}, m.Ranges...)

	err := m.ReserveAt(0x20000, 0x20000)
	assert.True(t, errors.Is(err, ErrOverlap), "%v", err)
	assert.Equal(t, before, m.Ranges)

	err = m.ReserveAt(0x10000, 0x20000)
	assert.True(t, errors.Is(err, ErrOverlap), "%v", err)
	assert.Equal(t, before, m.Ranges)
}

func TestReserveAtRange(t *testing.T) {
	m := mapOf(0, Range{0, 0x100000})

	err := m.ReserveAt(0x100000, 0x1000)
	assert.True(t, errors.Is(err, ErrOutOfRange), "%v", err)
	err = m.ReserveAt(0x1000, 0)
	assert.True(t, errors.Is(err, ErrOutOfRange), "%v", err)
	err = m.ReserveAt(^uint64(0)-1, 0x10)
	assert.True(t, errors.Is(err, ErrOutOfRange), "%v", err)

	// the part above MemTop is already outside of the map
	require.NoError(t, m.ReserveAt(0xf0000, 0x20000))
	assert.Equal(t, []Range{{0, 0xf0000}}, m.Ranges)
}

func TestReserveHigh(t *testing.T) {
	m := mapOf(0, Range{0, 0x100000}, Range{0x200000, 0x238000})

	a, err := m.ReserveHigh(0x10000, PageSize64K)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x220000), a)
	assert.Equal(t, []Range{{0, 0x100000}, {0x200000, 0x220000},
		{0x230000, 0x238000}}, m.Ranges)

	a, err = m.ReserveHigh(0x30000, PageSize64K)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xd0000), a)

	_, err = m.ReserveHigh(0x200000, PageSize64K)
	assert.True(t, errors.Is(err, ErrNoSpace), "%v", err)
}

func TestReserveHighBase(t *testing.T) {
	m := mapOf(0x80000, Range{0, 0x90000})
	_, err := m.ReserveHigh(0x10000, PageSize64K)
	require.NoError(t, err)
	_, err = m.ReserveHigh(0x10000, PageSize64K)
	assert.True(t, errors.Is(err, ErrNoSpace), "%v", err)
	assert.Equal(t, []Range{{0, 0x80000}}, m.Ranges)
}

func memoryTree(ac, sc uint32, regs ...uint64) *fdt.Tree {
	t := fdt.New()
	t.RootNode.SetProperty("#address-cells", t.PropUint32ToSlice(ac))
	t.RootNode.SetProperty("#size-cells", t.PropUint32ToSlice(sc))
	n := t.RootNode.AddChild("memory@0")
	n.SetProperty("device_type", []byte("memory\x00"))
	var reg []byte
	for i, v := range regs {
		cells := ac
		if i%2 == 1 {
			cells = sc
		}
		if cells == 2 {
			reg = append(reg, t.PropUint64ToSlice(v)...)
		} else {
			reg = append(reg, t.PropUint32ToSlice(uint32(v))...)
		}
	}
	n.SetProperty("reg", reg)
	return t
}

func TestFill(t *testing.T) {
	const memCap = 2 << 30
	tree := memoryTree(2, 2, 0, 0x40000000, 0x60000000, 0x40000000,
		0x100000000, 0x10000000)
	tree.RootNode.AddChild("memory-controller").
		SetProperty("device_type", []byte("memory-controller\x00"))

	m, err := Fill(tree, memCap, NoFixedStart)
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 0x40000000}, {0x60000000, memCap}}, m.Ranges)
	assert.Equal(t, uint64(memCap), m.MemTop)
	assert.Equal(t, uint64(DefaultBase), m.Base)

	m, err = Fill(memoryTree(1, 1, 0, 0x10000000), memCap, 0)
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 0x10000000}}, m.Ranges)
	assert.Equal(t, uint64(0), m.Base)
}

func TestFillErrors(t *testing.T) {
	_, err := Fill(fdt.New(), 2<<30, NoFixedStart)
	assert.True(t, errors.Is(err, ErrNoMemory), "%v", err)

	_, err = Fill(memoryTree(2, 2, 0x80000000, 0x1000), 2<<30, NoFixedStart)
	assert.True(t, errors.Is(err, ErrNoMemory), "%v", err)

	tree := memoryTree(2, 2, 0, 0x1000)
	n := tree.Path("/memory")
	n.SetProperty("reg", n.Properties["reg"][:12])
	_, err = Fill(tree, 2<<30, NoFixedStart)
	assert.True(t, errors.Is(err, fdt.ErrBadProperty), "%v", err)

	delete(n.Properties, "reg")
	_, err = Fill(tree, 2<<30, NoFixedStart)
	assert.True(t, errors.Is(err, fdt.ErrMissingProperty), "%v", err)
}
