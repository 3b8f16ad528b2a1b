// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package devicelab

import (
	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/version"
)

// Version serves the lab version string consoles use for compatibility
// checks.
type Version struct {
	srv *Server
}

// GetVersion returns "LAB_VERSION = <version>".
func (v *Version) GetVersion(args *structs.VersionRequest, reply *structs.VersionResponse) error {
	reply.Version = "LAB_VERSION = " + v.srv.Version()
	return nil
}

// Version returns the server's version number.
func (s *Server) Version() string {
	return version.GetVersion().VersionNumber()
}
