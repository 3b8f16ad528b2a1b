// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package planner

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// On-disk layout of an xts suite installation, relative to
// <root>/android-<type>/.
const (
	testcasesDirName = "testcases"
	resultsDirName   = "results"
	toolsDirName     = "tools"

	deviceConfigurationsFile = "device_configurations.textproto"
)

// listLocalModules scans the suite's testcases directory for installed
// tradefed modules (one .config per module). A missing directory is an
// empty install, not an error.
func listLocalModules(suiteDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(suiteDir, testcasesDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, structs.NewErr(structs.ErrKindInvalidArgument,
			"reading testcases dir: %v", err)
	}

	var modules []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".config") {
			continue
		}
		modules = append(modules, strings.TrimSuffix(name, ".config"))
	}
	sort.Strings(modules)
	return modules, nil
}

// resultDirs lists previous result directories, newest last. A directory
// literally named "latest" is a symlink convention and skipped.
func resultDirs(suiteDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(suiteDir, resultsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, structs.NewErr(structs.ErrKindInvalidArgument,
			"reading results dir: %v", err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "latest" {
			continue
		}
		dirs = append(dirs, entry.Name())
	}
	sort.Strings(dirs)
	return dirs, nil
}

// moduleDeviceConfig is one entry of device_configurations.textproto: the
// devices a non-tradefed module needs.
type moduleDeviceConfig struct {
	Module      string
	DeviceType  string
	DeviceCount int
	Dimensions  map[string]string
}

// loadDeviceConfigurations parses the suite's device configuration file.
// A missing file means the suite has no non-tradefed modules.
func loadDeviceConfigurations(suiteDir string) (map[string]*moduleDeviceConfig, error) {
	path := filepath.Join(suiteDir, toolsDirName, deviceConfigurationsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*moduleDeviceConfig{}, nil
		}
		return nil, structs.NewErr(structs.ErrKindConfigParse,
			"opening %s: %v", deviceConfigurationsFile, err)
	}
	defer f.Close()

	out := make(map[string]*moduleDeviceConfig)
	var current *moduleDeviceConfig
	var dimName, dimValue string
	inDimension := false

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case line == "configs {":
			if current != nil {
				return nil, parseErr(lineno, "nested configs block")
			}
			current = &moduleDeviceConfig{DeviceCount: 1}

		case line == "dimension {":
			if current == nil {
				return nil, parseErr(lineno, "dimension outside configs block")
			}
			inDimension = true
			dimName, dimValue = "", ""

		case line == "}":
			switch {
			case inDimension:
				if dimName == "" {
					return nil, parseErr(lineno, "dimension without name")
				}
				if current.Dimensions == nil {
					current.Dimensions = make(map[string]string)
				}
				current.Dimensions[dimName] = dimValue
				inDimension = false
			case current != nil:
				if current.Module == "" {
					return nil, parseErr(lineno, "configs block without module_name")
				}
				if current.DeviceType == "" {
					current.DeviceType = "AndroidRealDevice"
				}
				out[current.Module] = current
				current = nil
			default:
				return nil, parseErr(lineno, "unmatched closing brace")
			}

		default:
			key, value, ok := splitField(line)
			if !ok {
				return nil, parseErr(lineno, "malformed field %q", line)
			}
			switch {
			case inDimension && key == "name":
				dimName = value
			case inDimension && key == "value":
				dimValue = value
			case current != nil && key == "module_name":
				current.Module = value
			case current != nil && key == "device_type":
				current.DeviceType = value
			case current != nil && key == "device_count":
				n, err := strconv.Atoi(value)
				if err != nil || n < 1 {
					return nil, parseErr(lineno, "bad device_count %q", value)
				}
				current.DeviceCount = n
			default:
				return nil, parseErr(lineno, "unexpected field %q", key)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, structs.NewErr(structs.ErrKindConfigParse,
			"reading %s: %v", deviceConfigurationsFile, err)
	}
	if current != nil || inDimension {
		return nil, structs.NewErr(structs.ErrKindConfigParse,
			"%s: unterminated block", deviceConfigurationsFile)
	}
	return out, nil
}

// splitField parses `key: "value"` or `key: value`.
func splitField(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, `"`) {
		if !strings.HasSuffix(value, `"`) || len(value) < 2 {
			return "", "", false
		}
		value = value[1 : len(value)-1]
	}
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func parseErr(lineno int, format string, args ...interface{}) error {
	prefixed := append([]interface{}{deviceConfigurationsFile, lineno}, args...)
	return structs.NewErr(structs.ErrKindConfigParse, "%s:%d: "+format, prefixed...)
}
