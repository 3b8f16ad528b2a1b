// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package version

import (
	"bytes"
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

var (
	// BuildDate is the time of the git commit used to build the program,
	// in RFC3339 format. It is filled in by the compiler via makefile.
	BuildDate string

	// The git commit that was compiled. This will be filled in by the compiler.
	GitCommit   string
	GitDescribe string

	// The main version number that is being run at the moment.
	Version = "0.3.1"

	// A pre-release marker for the version. If this is "" (empty string)
	// then it means that it is a final release. Otherwise, this is a pre-release
	// such as "dev" (in development), "beta", "rc1", etc.
	VersionPrerelease = "dev"

	// VersionMetadata is metadata further describing the build type.
	VersionMetadata = ""
)

// VersionInfo wraps the compile-time version markers.
type VersionInfo struct {
	Revision          string
	Version           string
	VersionPrerelease string
	VersionMetadata   string
}

func (v *VersionInfo) Copy() *VersionInfo {
	if v == nil {
		return nil
	}

	nv := *v
	return &nv
}

func GetVersion() *VersionInfo {
	ver := Version
	rel := VersionPrerelease
	md := VersionMetadata
	if GitDescribe != "" {
		ver = GitDescribe
	}
	if GitDescribe == "" && rel == "" && VersionPrerelease != "" {
		rel = "dev"
	}

	return &VersionInfo{
		Revision:          GitCommit,
		Version:           ver,
		VersionPrerelease: rel,
		VersionMetadata:   md,
	}
}

// Semver returns the running version as a comparable semantic version,
// stripped of its pre-release marker.
func (v *VersionInfo) Semver() *goversion.Version {
	return goversion.Must(goversion.NewVersion(v.Version))
}

func (v *VersionInfo) VersionNumber() string {
	if Version == "unknown" && VersionPrerelease == "unknown" {
		return "(version unknown)"
	}

	var versionString bytes.Buffer

	fmt.Fprintf(&versionString, "%s", v.Version)
	if v.VersionPrerelease != "" {
		fmt.Fprintf(&versionString, "-%s", v.VersionPrerelease)
	}

	if v.VersionMetadata != "" {
		fmt.Fprintf(&versionString, "+%s", v.VersionMetadata)
	}

	return versionString.String()
}

func (v *VersionInfo) FullVersionNumber(rev bool) string {
	var versionString bytes.Buffer

	if Version == "unknown" && VersionPrerelease == "unknown" {
		return "DeviceLab (version unknown)"
	}

	fmt.Fprintf(&versionString, "DeviceLab v%s", v.Version)
	if v.VersionPrerelease != "" {
		fmt.Fprintf(&versionString, "-%s", v.VersionPrerelease)
	}

	if v.VersionMetadata != "" {
		fmt.Fprintf(&versionString, "+%s", v.VersionMetadata)
	}

	if rev && v.Revision != "" {
		fmt.Fprintf(&versionString, " (%s)", v.Revision)
	}

	return versionString.String()
}
