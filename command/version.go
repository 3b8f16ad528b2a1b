// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"strings"

	"github.com/hashicorp/devicelab/version"
)

type VersionCommand struct {
	Meta
}

func (c *VersionCommand) Help() string {
	helpText := `
Usage: devicelab version

  Version prints out the devicelab version.
`
	return strings.TrimSpace(helpText)
}

func (c *VersionCommand) Synopsis() string {
	return "Prints the devicelab version"
}

func (c *VersionCommand) Name() string { return "version" }

func (c *VersionCommand) Run(_ []string) int {
	c.Ui.Output(version.GetVersion().FullVersionNumber(true))
	return 0
}
