// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"github.com/cockroachdb/errors"
	"github.com/platinasystems/log"
)

// ErrFatal marks a configuration error that must abort the load.
var ErrFatal = errors.New("fatal configuration")

var (
	ErrArchitectureMismatch = errors.New("not a 64 bit PowerPC executable")
	ErrInterpreter          = errors.New("requires an ELF interpreter")
	ErrNoLoadable           = errors.New("no loadable segments")
	ErrNoChosen             = errors.New("device tree has no chosen node")
	ErrShortKernel          = errors.New("kernel image too short")
	ErrBlob                 = errors.New("invalid trampoline blob")
	ErrSegment              = errors.New("invalid segment")
)

func fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrFatal)
}

func fatalf(err error, format string, args ...interface{}) error {
	return fatal(errors.Wrapf(err, format, args...))
}

// IsFatal reports whether err is a FatalConfiguration error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// advise logs an error that doesn't stop the load.
func advise(what string, err error) {
	if err != nil {
		log.Print("warn", what, ": ", err)
	}
}
