// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// Segment is written to Mem before jumping to the new kernel. Bytes
// between len(Buf) and Memsz are zeroed.
type Segment struct {
	Label string
	Buf   []byte
	Mem   uint64
	Memsz uint64
}

func (s Segment) String() string {
	return fmt.Sprintf("%s: Bufsize=%x Mem=%x Memsz=%x", s.Label,
		len(s.Buf), s.Mem, s.Memsz)
}

// Registry holds the segments of a kexec_load in the order added.
type Registry struct {
	Segments []Segment
	byLabel  *swiss.Map[string, int]
}

func NewRegistry() *Registry {
	return &Registry{byLabel: swiss.NewMap[string, int](8)}
}

// Add takes ownership of buf; the caller must not reuse it.
func (r *Registry) Add(label string, buf []byte, mem, memsz uint64) error {
	if r.byLabel.Has(label) {
		return fatalf(ErrSegment, "%s: duplicate", label)
	}
	if uint64(len(buf)) > memsz {
		return fatalf(ErrSegment, "%s: %x bytes > memsz %x", label,
			len(buf), memsz)
	}
	if mem+memsz < mem {
		return fatalf(ErrSegment, "%s: %x+%x wraps", label, mem, memsz)
	}
	for _, s := range r.Segments {
		if mem < s.Mem+s.Memsz && s.Mem < mem+memsz {
			return fatal(errors.Wrapf(ErrSegment, "%s overlaps %s",
				label, s))
		}
	}
	r.byLabel.Put(label, len(r.Segments))
	r.Segments = append(r.Segments, Segment{
		Label: label,
		Buf:   buf,
		Mem:   mem,
		Memsz: memsz,
	})
	return nil
}

func (r *Registry) Lookup(label string) (Segment, bool) {
	i, found := r.byLabel.Get(label)
	if !found {
		return Segment{}, false
	}
	return r.Segments[i], true
}
