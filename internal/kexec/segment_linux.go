// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

//go:build linux

package kexec

import (
	"os"
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// struct kexec_segment
type kexecSegment struct {
	buf   *byte
	bufsz uintptr
	mem   uintptr
	memsz uintptr
}

// Load passes the registered segments to kexec_load(2).
func (r *Registry) Load(entry uint64, flags uintptr) error {
	if len(r.Segments) == 0 {
		return errors.Wrap(ErrSegment, "nothing to load")
	}
	segments := make([]kexecSegment, len(r.Segments))
	for i, s := range r.Segments {
		if len(s.Buf) > 0 {
			segments[i].buf = &s.Buf[0]
		}
		segments[i].bufsz = uintptr(len(s.Buf))
		segments[i].mem = uintptr(s.Mem)
		segments[i].memsz = uintptr(s.Memsz)
	}
	_, _, e := unix.Syscall6(unix.SYS_KEXEC_LOAD, uintptr(entry),
		uintptr(len(segments)),
		uintptr(unsafe.Pointer(&segments[0])),
		flags, 0, 0)
	runtime.KeepAlive(r.Segments)
	if e != 0 {
		return errors.Wrap(e, "kexec_load")
	}
	return nil
}

// Prepare flushes output and filesystems before the jump.
func Prepare() {
	for _, f := range []*os.File{
		os.Stdout,
		os.Stderr,
	} {
		unix.Fsync(int(f.Fd()))
	}
	unix.Sync()
}

// Exec reboots into the loaded kernel.
func Exec() error {
	Prepare()
	return errors.Wrap(unix.Reboot(unix.LINUX_REBOOT_CMD_KEXEC), "reboot")
}
