// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package fdt parses and flattens Linux flattened device trees.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	magic      = 0xd00dfeed
	begin_node = 0x1 // Start node: full name
	end_node   = 0x2 // End node
	prop       = 0x3 // Property
	nop        = 0x4 // nop
	end        = 0x9 // End of fdt

	version               = 17
	lastCompatibleVersion = 16
	headerSize            = 40
	memRsvEntrySize       = 16
)

var (
	ErrMagic           = errors.New("bad device tree magic")
	ErrTruncated       = errors.New("truncated device tree")
	ErrMissingProperty = errors.New("missing property")
	ErrBadProperty     = errors.New("malformed property")
	ErrMemRsv          = errors.New("invalid memory reservation")
)

type header struct {
	Magic        uint32
	TotalSize    uint32 // total size of DT block
	OffDtStruct  uint32 // offset to structure
	OffDtStrings uint32 // offset to strings
	OffMemRsvmap uint32 // offset to memory reserve map

	Version               uint32
	LastCompatibleVersion uint32

	// version 2 fields below
	BootCpuidPhys uint32 // Which physical CPU id we're
	// booting on
	// version 3 fields below
	SizeDtStrings uint32 // size of the strings block

	// version 17 fields below
	SizeDtStruct uint32 // size of the structure block
}

// MemRsv is an entry of the memory reservation block.
type MemRsv struct {
	Address uint64
	Size    uint64
}

func (r MemRsv) String() string {
	return fmt.Sprintf("%x-%x", r.Address, r.Address+r.Size)
}

type Node struct {
	Name       string
	Depth      int
	Properties map[string][]byte
	Children   map[string]*Node
}

type Tree struct {
	header
	IsLittleEndian bool
	RootNode       *Node
	MemRsv         []MemRsv
}

// New returns an empty tree with a root node.
func New() *Tree {
	return &Tree{RootNode: &Node{Name: "/", Depth: 1}}
}

func (t *Tree) order() binary.ByteOrder {
	if t.IsLittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (t *Tree) getCell(b []byte, i int) (value int, r int, err error) {
	if i < 0 || i+4 > len(b) {
		return 0, i, errors.Wrapf(ErrTruncated, "cell at 0x%x", i)
	}
	value = int(t.PropUint32(b[i:]))
	r = i + 4
	return
}

func (t *Tree) getString(b []byte, offset int) (string, error) {
	o := int(t.OffDtStrings) + offset
	if o < 0 || o >= len(b) {
		return "", errors.Wrapf(ErrTruncated, "string at 0x%x", o)
	}
	l := bytes.IndexByte(b[o:], 0)
	if l < 0 {
		return "", errors.Wrapf(ErrTruncated, "string at 0x%x", o)
	}
	return string(b[o : o+l]), nil
}

func align(x int, align int) int {
	return (x + align - 1) & ^(align - 1)
}

// Read FDT header from blob and convert into
// right endian
func (t *Tree) readHeader(buf []byte) error {
	if len(buf) < headerSize {
		return errors.Wrapf(ErrTruncated, "%d byte header", len(buf))
	}
	err := binary.Read(bytes.NewReader(buf), t.order(), &t.header)
	if err != nil {
		return errors.Wrap(err, "read header")
	}
	if t.Magic != magic {
		return errors.Wrapf(ErrMagic, "0x%x", t.Magic)
	}
	if int(t.TotalSize) > len(buf) {
		return errors.Wrapf(ErrTruncated, "total size 0x%x > 0x%x",
			t.TotalSize, len(buf))
	}
	return nil
}

func (t *Tree) readMemRsv(buf []byte) error {
	t.MemRsv = t.MemRsv[:0]
	for cur := int(t.OffMemRsvmap); ; cur += memRsvEntrySize {
		if cur+memRsvEntrySize > len(buf) {
			return errors.Wrap(ErrTruncated, "memory reserve map")
		}
		r := MemRsv{
			Address: t.PropUint64(buf[cur:]),
			Size:    t.PropUint64(buf[cur+8:]),
		}
		if r.Address == 0 && r.Size == 0 {
			return nil
		}
		t.MemRsv = append(t.MemRsv, r)
	}
}

func (t *Tree) Parse(buf []byte) (err error) {
	h := &t.header

	// Parse blob header
	if err = t.readHeader(buf); err != nil {
		return
	}
	if err = t.readMemRsv(buf); err != nil {
		return
	}

	// Walk thru nodes until done
	cur := int(h.OffDtStruct)
	stack := []*Node{}
	for {
		var tag int
		tag, cur, err = t.getCell(buf, cur)
		if err != nil {
			return
		}
		if tag == end {
			break
		}

		switch tag {
		case begin_node:
			n := &Node{}
			nameLen := bytes.IndexByte(buf[cur:], 0)
			if nameLen < 0 {
				return errors.Wrap(ErrTruncated, "node name")
			}
			n.Name = "/"
			if nameLen > 0 {
				n.Name = string(buf[cur : cur+nameLen])
			}
			cur = align(cur+nameLen+1, 4)
			stack = append(stack, n)
			n.Depth = len(stack)
		case end_node:
			// pop node stack
			var l int
			if l = len(stack); l == 0 {
				return errors.New("unexpected end node")
			} else if l == 1 {
				t.RootNode = stack[0]
			} else {
				c := stack[l-1]
				p := stack[l-2]
				if p.Children == nil {
					p.Children = make(map[string]*Node)
				}
				p.Children[c.Name] = c
			}
			stack = stack[:l-1]
		case nop:
		case prop:
			var valueSize, nameOffset int
			if valueSize, cur, err = t.getCell(buf, cur); err != nil {
				return
			}
			if nameOffset, cur, err = t.getCell(buf, cur); err != nil {
				return
			}
			if len(stack) == 0 {
				return errors.New("property outside of node")
			}

			var name string
			if name, err = t.getString(buf, nameOffset); err != nil {
				return
			}
			if cur+valueSize > len(buf) {
				return errors.Wrapf(ErrTruncated, "property %s", name)
			}
			value := buf[cur : cur+valueSize]

			n := stack[len(stack)-1]
			if n.Properties == nil {
				n.Properties = make(map[string][]byte)
			}
			n.Properties[name] = value

			cur = align(cur+int(valueSize), 4)
		default:
			return errors.Newf("unknown tag 0x%x at 0x%x", tag, cur-4)
		}
	}

	if len(stack) != 0 {
		err = errors.New("node stack not balanced")
	}

	return
}

func (n *Node) eachProp(propName string, propValue string, f func(n *Node, name string, value string)) {
	if len(propValue) > 0 {
		if value := n.Properties[propName]; strings.Contains(string(value), propValue) {
			f(n, propName, string(value))
		}
	} else if _, present := n.Properties[propName]; present {
		value := n.Properties[propName]
		f(n, propName, string(value))
	}

	for _, c := range n.Children {
		c.eachProp(propName, propValue, f)
	}
}

// Call user's function for each node with given property.
func (t *Tree) EachProperty(propName string, propValue string,
	f func(n *Node, name string, value string)) {
	if t.RootNode != nil {
		t.RootNode.eachProp(propName, propValue, f)
	}
}

// Child returns the named child. A name without a unit address also matches
// the first child, in name order, with that base name; e.g. "memory" matches
// "memory@0".
func (n *Node) Child(name string) *Node {
	if c, found := n.Children[name]; found {
		return c
	}
	if strings.Contains(name, "@") {
		return nil
	}
	var names []string
	for cn := range n.Children {
		if i := strings.IndexByte(cn, '@'); i > 0 && cn[:i] == name {
			names = append(names, cn)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return n.Children[names[0]]
}

// Path returns the node at the given absolute path or nil.
func (t *Tree) Path(path string) *Node {
	n := t.RootNode
	if n == nil || !strings.HasPrefix(path, "/") {
		return nil
	}
	for _, name := range strings.Split(path[1:], "/") {
		if len(name) == 0 {
			continue
		}
		if n = n.Child(name); n == nil {
			return nil
		}
	}
	return n
}

// AddChild returns the named child, creating it if needed.
func (n *Node) AddChild(name string) *Node {
	if c, found := n.Children[name]; found {
		return c
	}
	if n.Children == nil {
		n.Children = make(map[string]*Node)
	}
	c := &Node{Name: name, Depth: n.Depth + 1}
	n.Children[name] = c
	return c
}

// SetProperty sets or replaces a property value.
func (n *Node) SetProperty(name string, value []byte) {
	if n.Properties == nil {
		n.Properties = make(map[string][]byte)
	}
	n.Properties[name] = value
}

// Parses property value as 32 bit integer.
func (t *Tree) PropUint32(b []byte) (value uint32) {
	return t.order().Uint32(b)
}

// Parses property value as 64 bit integer.
func (t *Tree) PropUint64(b []byte) (value uint64) {
	return t.order().Uint64(b)
}

func (t *Tree) PropUint32ToSlice(v uint32) []byte {
	b := make([]byte, 4)
	t.order().PutUint32(b, v)
	return b
}

func (t *Tree) PropUint64ToSlice(v uint64) []byte {
	b := make([]byte, 8)
	t.order().PutUint64(b, v)
	return b
}

// Property value as go string.
func (t *Tree) PropString(b []byte) (s string) {
	v := t.PropStringSlice(b)
	return v[0]
}

// Property value as go string slice.
func (t *Tree) PropStringSlice(b []byte) (s []string) {
	return strings.Split(string(b), "\x00")
}

func (t *Tree) prop(n *Node, name string) ([]byte, error) {
	if n == nil {
		return nil, errors.Wrapf(ErrMissingProperty, "%s: no node", name)
	}
	b, found := n.Properties[name]
	if !found {
		return nil, errors.Wrapf(ErrMissingProperty, "%s/%s", n.Name, name)
	}
	return b, nil
}

// Uint32 reads a single cell property.
func (t *Tree) Uint32(n *Node, name string) (uint32, error) {
	b, err := t.prop(n, name)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, errors.Wrapf(ErrBadProperty, "%s/%s: %d bytes",
			n.Name, name, len(b))
	}
	return t.PropUint32(b), nil
}

// Uint64 reads a double cell property.
func (t *Tree) Uint64(n *Node, name string) (uint64, error) {
	b, err := t.prop(n, name)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, errors.Wrapf(ErrBadProperty, "%s/%s: %d bytes",
			n.Name, name, len(b))
	}
	return t.PropUint64(b), nil
}

// Cells reads a property of either one or two cells.
func (t *Tree) Cells(n *Node, name string) (uint64, error) {
	b, err := t.prop(n, name)
	if err != nil {
		return 0, err
	}
	switch len(b) {
	case 4:
		return uint64(t.PropUint32(b)), nil
	case 8:
		return t.PropUint64(b), nil
	}
	return 0, errors.Wrapf(ErrBadProperty, "%s/%s: %d bytes",
		n.Name, name, len(b))
}

func (t *Tree) rootCells(name string, def int) int {
	if t.RootNode == nil {
		return def
	}
	if b, found := t.RootNode.Properties[name]; found && len(b) == 4 {
		return int(t.PropUint32(b))
	}
	return def
}

// AddressCells is the root #address-cells, default 2.
func (t *Tree) AddressCells() int { return t.rootCells("#address-cells", 2) }

// SizeCells is the root #size-cells, default 1.
func (t *Tree) SizeCells() int { return t.rootCells("#size-cells", 1) }

// ReadCells decodes n cells from b as one integer.
func (t *Tree) ReadCells(b []byte, n int) (v uint64, r []byte, err error) {
	if n < 1 || n > 2 || len(b) < 4*n {
		return 0, b, errors.Wrapf(ErrBadProperty, "%d cells of %d bytes",
			n, len(b))
	}
	for i := 0; i < n; i++ {
		v = v<<32 | uint64(t.PropUint32(b[4*i:]))
	}
	return v, b[4*n:], nil
}

// AddMemRsv appends an entry to the memory reservation block.
func (t *Tree) AddMemRsv(address, size uint64) error {
	if size == 0 {
		return errors.Wrapf(ErrMemRsv, "%x: empty", address)
	}
	if address+size < address {
		return errors.Wrapf(ErrMemRsv, "%x+%x: wraps", address, size)
	}
	r := MemRsv{address, size}
	for _, x := range t.MemRsv {
		if x == r {
			return errors.Wrapf(ErrMemRsv, "%s: duplicate", r)
		}
	}
	t.MemRsv = append(t.MemRsv, r)
	return nil
}

type flattener struct {
	t       *Tree
	dt      bytes.Buffer
	strs    bytes.Buffer
	offsets map[string]int
}

func (f *flattener) cell(v uint32) {
	var b [4]byte
	f.t.order().PutUint32(b[:], v)
	f.dt.Write(b[:])
}

func (f *flattener) pad() {
	for f.dt.Len()%4 != 0 {
		f.dt.WriteByte(0)
	}
}

func (f *flattener) str(s string) int {
	if off, found := f.offsets[s]; found {
		return off
	}
	off := f.strs.Len()
	f.strs.WriteString(s)
	f.strs.WriteByte(0)
	f.offsets[s] = off
	return off
}

func (f *flattener) node(n *Node, root bool) {
	f.cell(begin_node)
	if !root {
		f.dt.WriteString(n.Name)
	}
	f.dt.WriteByte(0)
	f.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := n.Properties[name]
		f.cell(prop)
		f.cell(uint32(len(value)))
		f.cell(uint32(f.str(name)))
		f.dt.Write(value)
		f.pad()
	}

	names = names[:0]
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f.node(n.Children[name], false)
	}
	f.cell(end_node)
}

// Flatten the tree into a version 17 blob with nodes and properties in name
// order.
func (t *Tree) Flatten() []byte {
	f := &flattener{t: t, offsets: make(map[string]int)}
	root := t.RootNode
	if root == nil {
		root = &Node{Name: "/"}
	}
	f.node(root, true)
	f.cell(end)

	offRsv := align(headerSize, 8)
	offStruct := offRsv + (len(t.MemRsv)+1)*memRsvEntrySize
	offStrings := offStruct + f.dt.Len()
	total := offStrings + f.strs.Len()

	h := header{
		Magic:                 magic,
		TotalSize:             uint32(total),
		OffDtStruct:           uint32(offStruct),
		OffDtStrings:          uint32(offStrings),
		OffMemRsvmap:          uint32(offRsv),
		Version:               version,
		LastCompatibleVersion: lastCompatibleVersion,
		BootCpuidPhys:         t.BootCpuidPhys,
		SizeDtStrings:         uint32(f.strs.Len()),
		SizeDtStruct:          uint32(f.dt.Len()),
	}

	b := make([]byte, total)
	hb := &bytes.Buffer{}
	binary.Write(hb, t.order(), &h)
	copy(b, hb.Bytes())
	for _, r := range t.MemRsv {
		t.order().PutUint64(b[offRsv:], r.Address)
		t.order().PutUint64(b[offRsv+8:], r.Size)
		offRsv += memRsvEntrySize
	}
	copy(b[offStruct:], f.dt.Bytes())
	copy(b[offStrings:], f.strs.Bytes())
	return b
}
