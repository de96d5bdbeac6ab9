// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"fmt"
	"io"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// WriteText prints the plan for people.
func (p *Plan) WriteText(w io.Writer) error {
	fmt.Fprintln(w, "mode:", p.Mode)
	fmt.Fprintf(w, "memory top: %#x\n", p.Map.MemTop)
	fmt.Fprintln(w, "reserved:")
	for _, r := range p.Reserved {
		fmt.Fprintf(w, "\t%-16s %#x-%#x\n", r.Name, r.Addr, r.Addr+r.Size)
	}
	fmt.Fprintln(w, "segments:")
	for _, s := range p.Registry.Segments {
		fmt.Fprintf(w, "\t%-16s %#x-%#x %#x bytes\n", s.Label, s.Mem,
			s.Mem+s.Memsz, len(s.Buf))
	}
	fmt.Fprintln(w, "free:")
	for _, r := range p.Map.Ranges {
		fmt.Fprintf(w, "\t%#x-%#x\n", r.Start, r.End)
	}
	_, err := fmt.Fprintf(w, "entry: %#x\n", p.Entry)
	return err
}

// WriteJSON prints the plan as one JSON object.
func (p *Plan) WriteJSON(w io.Writer) error {
	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("mode").String(p.Mode.String())
	obj.Name("memTop").String(hex(p.Map.MemTop))
	obj.Name("base").String(hex(p.Map.Base))
	obj.Name("entry").String(hex(p.Entry))
	obj.Name("kernel").String(hex(p.KernelAddr))
	obj.Name("deviceTree").String(hex(p.TreeAddr))

	reserved := obj.Name("reserved").Array()
	for _, r := range p.Reserved {
		o := reserved.Object()
		o.Name("name").String(r.Name)
		o.Name("addr").String(hex(r.Addr))
		o.Name("size").String(hex(r.Size))
		o.End()
	}
	reserved.End()

	segments := obj.Name("segments").Array()
	for _, s := range p.Registry.Segments {
		o := segments.Object()
		o.Name("label").String(s.Label)
		o.Name("mem").String(hex(s.Mem))
		o.Name("memsz").String(hex(s.Memsz))
		o.Name("bufsz").Int(len(s.Buf))
		o.End()
	}
	segments.End()

	free := obj.Name("free").Array()
	for _, r := range p.Map.Ranges {
		o := free.Object()
		o.Name("start").String(hex(r.Start))
		o.Name("end").String(hex(r.End))
		o.End()
	}
	free.End()
	obj.End()

	if err := jw.Error(); err != nil {
		return err
	}
	if _, err := w.Write(jw.Bytes()); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
