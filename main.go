// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/hashicorp/devicelab/command"
	"github.com/hashicorp/devicelab/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	c := cli.NewCLI("devicelab", version.GetVersion().FullVersionNumber(true))
	c.Args = args
	c.Commands = command.Commands(nil)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}
