// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command implements the devicelab CLI.
package command

import (
	"bufio"
	"bytes"
	"flag"

	"github.com/hashicorp/cli"
)

// Meta contains the meta-options and functionality that every devicelab
// command inherits.
type Meta struct {
	Ui cli.Ui
}

// FlagSet returns a FlagSet whose errors are routed through the UI.
func (m *Meta) FlagSet(n string) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)
	f.SetOutput(&uiErrorWriter{ui: m.Ui})
	return f
}

// uiErrorWriter is an io.Writer that wraps the UI's error stream.
// ui.Error expects full lines as inputs and emits its own line breaks, so
// partial writes are buffered until the next new line or Close.
type uiErrorWriter struct {
	ui  cli.Ui
	buf bytes.Buffer
}

func (w *uiErrorWriter) Write(data []byte) (int, error) {
	read := 0
	for len(data) != 0 {
		a, token, err := bufio.ScanLines(data, false)
		if err != nil {
			return read, err
		}

		if a == 0 {
			r, err := w.buf.Write(data)
			return read + r, err
		}

		w.ui.Error(w.buf.String() + string(token))
		data = data[a:]
		w.buf.Reset()
		read += a
	}

	return read, nil
}

func (w *uiErrorWriter) Close() error {
	if w.buf.Len() != 0 {
		w.ui.Error(w.buf.String())
		w.buf.Reset()
	}
	return nil
}
