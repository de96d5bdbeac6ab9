// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add("kernel", pattern(0x100), 0x7efe0000, 0x20000))
	require.NoError(t, r.Add("device tree", nil, 0x7efd0000, 0x10000))

	s, found := r.Lookup("kernel")
	require.True(t, found)
	assert.Equal(t, uint64(0x7efe0000), s.Mem)
	assert.Equal(t, "kernel: Bufsize=100 Mem=7efe0000 Memsz=20000",
		s.String())

	_, found = r.Lookup("initrd")
	assert.False(t, found)

	var labels []string
	for _, s := range r.Segments {
		labels = append(labels, s.Label)
	}
	assert.Equal(t, []string{"kernel", "device tree"}, labels)
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add("kernel", nil, 0x100000, 0x20000))

	for _, tc := range []struct {
		name  string
		label string
		buf   []byte
		mem   uint64
		memsz uint64
	}{
		{"duplicate", "kernel", nil, 0x200000, 0x10000},
		{"oversize", "initrd", pattern(0x10001), 0x200000, 0x10000},
		{"wraps", "initrd", nil, ^uint64(0) - 0xffff, 0x20000},
		{"overlap below", "initrd", nil, 0xf0000, 0x20000},
		{"overlap above", "initrd", nil, 0x110000, 0x20000},
		{"inside", "initrd", nil, 0x110000, 0x1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Add(tc.label, tc.buf, tc.mem, tc.memsz)
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.True(t, errors.Is(err, ErrSegment))
			assert.Len(t, r.Segments, 1)
		})
	}

	// adjacent is fine
	require.NoError(t, r.Add("initrd", nil, 0x120000, 0x10000))
	require.NoError(t, r.Add("device tree", nil, 0xf0000, 0x10000))
}
