// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"
)

func TestVersionCommand_Run(t *testing.T) {
	ui := cli.NewMockUi()
	cmd := &VersionCommand{Meta: Meta{Ui: ui}}

	must.Zero(t, cmd.Run(nil))
	must.StrContains(t, ui.OutputWriter.String(), "DeviceLab v")
}
