// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

//go:build !linux

package kexec

import (
	"syscall"
)

func (r *Registry) Load(entry uint64, flags uintptr) error {
	return syscall.ENOSYS
}

func Prepare() {}

func Exec() error {
	return syscall.ENOSYS
}
