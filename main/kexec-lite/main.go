// Copyright © 2015-2020 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// kexec-lite loads a ppc64 kernel, its device tree and a trampoline with
// kexec_load.
package main

import (
	"fmt"
	"os"

	"github.com/platinasystems/log"

	"github.com/platinasystems/kexec-lite/cmd/kexec"
)

func main() {
	c := &kexec.Command{}
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println("usage:", c.Usage())
		fmt.Println(c.Man())
		return
	}
	if err := c.Main(args...); err != nil {
		log.Print("err", err)
		fmt.Fprintf(os.Stderr, "%s: %v\n", c, err)
		os.Exit(1)
	}
}
