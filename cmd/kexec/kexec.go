// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package kexec

import (
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mattn/go-isatty"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"
	"github.com/platinasystems/url"

	"github.com/platinasystems/kexec-lite/internal/fdt"
	"github.com/platinasystems/kexec-lite/internal/kexec"
)

const (
	DefaultTree    = "/sys/firmware/fdt"
	DefaultCmdline = "/proc/cmdline"
)

type Command struct {
	// Stdout receives the plan; nil is os.Stdout.
	Stdout io.Writer
	// Cmdline is the running kernel command line file.
	Cmdline string
	// NoLoad stages without kexec_load even without -n.
	NoLoad bool
}

func (*Command) String() string { return "kexec" }

func (*Command) Usage() string {
	return "kexec -k KERNEL [-i INITRD | -r] [-d DTB] [-c [+]CMDLINE] [-n] [-j] [-e]"
}

func (*Command) Apropos() string {
	return "load a new ppc64 kernel for later execution"
}

func (*Command) Man() string {
	return `
DESCRIPTION
	Stage a 64 bit PowerPC kernel with its device tree and a small
	trampoline, then kexec_load them for the next reboot.

OPTIONS
	-k KERNEL	ELF kernel file or URL
	-i INITRD	new initrd file or URL
	-r		keep the running initrd
	-d DTB		flattened device tree (default: /sys/firmware/fdt)
	-c CMDLINE	new kernel command line; a leading '+' appends to
			the running command line
	-n		dry run, print the plan without loading
	-j		print the plan as JSON
	-e		execute the loaded kernel`
}

func (c *Command) Main(args ...string) error {
	flag, args := flags.New(args, "-e", "-j", "-n", "-r")
	parm, args := parms.New(args, "-c", "-d", "-i", "-k")

	if len(args) > 0 {
		return errors.Newf("%v: unexpected", args)
	}
	kernel := parm.ByName["-k"]
	if len(kernel) == 0 {
		return errors.New("KERNEL: missing")
	}
	initrd := parm.ByName["-i"]
	if len(initrd) > 0 && flag.ByName["-r"] {
		return errors.New("-i and -r are exclusive")
	}
	dtb := parm.ByName["-d"]
	if len(dtb) == 0 {
		dtb = DefaultTree
	}

	cfg := &kexec.Config{
		ReuseInitrd: flag.ByName["-r"],
		NewStyle:    kexec.DefaultNewStyle,
	}
	var err error
	if cfg.Cmdline, err = c.cmdline(parm.ByName["-c"]); err != nil {
		return err
	}

	b, err := readAll(dtb)
	if err != nil {
		return err
	}
	cfg.Tree = &fdt.Tree{}
	if err = cfg.Tree.Parse(b); err != nil {
		return errors.Wrapf(err, "%s", dtb)
	}

	if b, err = readAll(kernel); err != nil {
		return err
	}
	if cfg.Kernel, err = kexec.ParseImage(b, kernel); err != nil {
		return err
	}
	if len(initrd) > 0 {
		if cfg.Initrd, err = readAll(initrd); err != nil {
			return err
		}
	}

	plan, err := kexec.Stage(cfg)
	if err != nil {
		return err
	}

	w := c.Stdout
	if w == nil {
		w = os.Stdout
	}
	if flag.ByName["-j"] || !isTerminal(w) {
		err = plan.WriteJSON(w)
	} else {
		err = plan.WriteText(w)
	}
	if err != nil {
		return err
	}

	if flag.ByName["-n"] || c.NoLoad {
		return nil
	}
	if err = plan.Registry.Load(plan.Entry, 0); err != nil {
		return err
	}
	log.Print("info", "loaded ", kernel)
	if flag.ByName["-e"] {
		return kexec.Exec()
	}
	return nil
}

// cmdline returns the new command line; a leading '+' appends to the running
// one and empty keeps the device tree bootargs.
func (c *Command) cmdline(s string) (string, error) {
	if !strings.HasPrefix(s, "+") {
		return s, nil
	}
	fn := c.Cmdline
	if len(fn) == 0 {
		fn = DefaultCmdline
	}
	kc, err := ioutil.ReadFile(fn)
	if err != nil {
		return "", errors.Wrap(err, "running command line")
	}
	running := strings.TrimSpace(string(kc))
	if len(running) == 0 {
		return s[1:], nil
	}
	return running + " " + s[1:], nil
}

func readAll(name string) ([]byte, error) {
	r, err := url.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	return b, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
