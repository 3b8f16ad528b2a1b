// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package planner

import (
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// mctsModules is the static list of mainline test-suite modules unioned
// with the locally installed ones.
var mctsModules = []string{
	"CtsDocumentsUiTestCases",
	"CtsMediaProviderTestCases",
	"CtsPermissionUiTestCases",
	"CtsStatsdAtomHostTestCases",
	"CtsWifiTestCases",
}

// testFilter is one parsed include or exclude filter: a module name with
// an optional test name.
type testFilter struct {
	module string
	test   string
}

func parseFilter(raw string) testFilter {
	parts := strings.SplitN(strings.TrimSpace(raw), " ", 2)
	f := testFilter{module: parts[0]}
	if len(parts) == 2 {
		f.test = strings.TrimSpace(parts[1])
	}
	return f
}

// filterModules resolves the request's module names and include/exclude
// filters into the final map of module to included tests. An empty test
// list means "all tests".
func (p *Planner) filterModules(req *structs.SessionRequestInfo, localModules []string) (map[string][]string, error) {
	universe := set.From(localModules)
	universe.InsertSlice(mctsModules)

	var selected []string
	if len(req.ModuleNames) > 0 {
		for _, name := range req.ModuleNames {
			module, err := matchModuleName(name, universe)
			if err != nil {
				return nil, err
			}
			selected = append(selected, module)
		}
	} else {
		selected = universe.Slice()
	}
	sort.Strings(selected)

	includes := make([]testFilter, 0, len(req.IncludeFilters))
	for _, raw := range req.IncludeFilters {
		includes = append(includes, parseFilter(raw))
	}
	excludes := make([]testFilter, 0, len(req.ExcludeFilters))
	for _, raw := range req.ExcludeFilters {
		excludes = append(excludes, parseFilter(raw))
	}

	out := make(map[string][]string)
	for _, module := range selected {
		tests, ok, err := p.moduleTests(module, includes, excludes)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[module] = tests
	}

	// A single requested test narrows every admitted module.
	if req.TestName != "" {
		for module := range out {
			out[module] = []string{req.TestName}
		}
	}
	return out, nil
}

// moduleTests applies the filters to one module. The second return is
// false when the module is vetoed or not admitted.
func (p *Planner) moduleTests(module string, includes, excludes []testFilter) ([]string, bool, error) {
	// A module-level exclude vetoes the module outright.
	for _, f := range excludes {
		if f.module == module && f.test == "" {
			return nil, false, nil
		}
	}

	// Include filters, when present, must admit the module.
	includeTests := set.New[string](0)
	admitted := len(includes) == 0
	for _, f := range includes {
		if f.module != module {
			continue
		}
		admitted = true
		if f.test != "" {
			includeTests.Insert(f.test)
		}
	}
	if !admitted {
		return nil, false, nil
	}

	// Test-level excludes subtract from the include set, or from the
	// module's full test list when no test was singled out.
	excludeTests := set.New[string](0)
	for _, f := range excludes {
		if f.module == module && f.test != "" {
			excludeTests.Insert(f.test)
		}
	}

	if excludeTests.Empty() {
		return sortedSlice(includeTests), true, nil
	}

	if includeTests.Empty() {
		all, err := p.tests.ListTests(module)
		if err != nil {
			return nil, false, structs.NewErr(structs.ErrKindInternal,
				"listing tests of module %s: %v", module, err)
		}
		includeTests.InsertSlice(all)
		if includeTests.Empty() {
			// The collaborator knows nothing about the module; keep it
			// with all tests and let the driver apply the excludes.
			return nil, true, nil
		}
	}

	remaining := includeTests.Difference(excludeTests)
	if remaining.Empty() {
		return nil, false, nil
	}
	tests := remaining.Slice()
	sort.Strings(tests)
	return tests, true, nil
}

// matchModuleName resolves a requested module name: exact match first,
// else a regex over the full module set. More than one regex match is an
// error.
func matchModuleName(name string, universe *set.Set[string]) (string, error) {
	if universe.Contains(name) {
		return name, nil
	}

	re, err := regexp.Compile("^(?:" + name + ")$")
	if err != nil {
		return "", structs.NewErr(structs.ErrKindInvalidArgument,
			"invalid module name %q: %v", name, err)
	}

	var matched []string
	for _, module := range universe.Slice() {
		if re.MatchString(module) {
			matched = append(matched, module)
		}
	}
	switch len(matched) {
	case 0:
		return "", structs.NewErr(structs.ErrKindNotFound, "module %q not found", name)
	case 1:
		return matched[0], nil
	default:
		sort.Strings(matched)
		return "", structs.NewErr(structs.ErrKindMultipleMatches,
			"module %q matches multiple modules: %s", name, strings.Join(matched, ", "))
	}
}

func sortedSlice(s *set.Set[string]) []string {
	if s.Empty() {
		return nil
	}
	out := s.Slice()
	sort.Strings(out)
	return out
}
