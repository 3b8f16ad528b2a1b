// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package planner turns a session request into executable job configs. It
// separates tradefed modules, which share one job, from non-tradefed
// modules, which each get a job built from the suite's device
// configuration file.
package planner

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/helper/uuid"
)

const (
	// Tradefed jobs run for days; the start timeout leaves a day of queue
	// headroom.
	defaultTradefedJobTimeout   = 15 * 24 * time.Hour
	defaultTradefedStartTimeout = 14 * 24 * time.Hour

	defaultNonTradefedJobTimeout   = 5 * 24 * time.Hour
	defaultNonTradefedStartTimeout = 4 * 24 * time.Hour

	tradefedDriver    = "XtsTradefedTest"
	nonTradefedDriver = "MoblyAospPackageTest"
)

// TestLister is the collaborator that knows the tests inside a module. It
// backs exclude filters that subtract from "all tests in module".
type TestLister interface {
	ListTests(module string) ([]string, error)
}

// noopTestLister returns no tests; exclude filters then subtract nothing.
type noopTestLister struct{}

func (noopTestLister) ListTests(string) ([]string, error) { return nil, nil }

// Config bundles the planner's collaborators.
type Config struct {
	Logger hclog.Logger

	// TestLister resolves "all tests in module"; optional.
	TestLister TestLister
}

// Planner expands session requests into job configs. It is stateless and
// safe for concurrent use.
type Planner struct {
	logger hclog.Logger
	tests  TestLister
}

func New(config *Config) *Planner {
	tests := config.TestLister
	if tests == nil {
		tests = noopTestLister{}
	}
	return &Planner{
		logger: config.Logger.Named("planner"),
		tests:  tests,
	}
}

// Plan expands the request into zero or more jobs against the given device
// snapshot. Identical inputs produce identical jobs modulo generated ids.
func (p *Planner) Plan(req *structs.SessionRequestInfo, devices []*structs.Device) ([]*structs.Job, error) {
	if req == nil {
		return nil, structs.NewErr(structs.ErrKindInvalidArgument, "session request is required")
	}
	if req.XtsRootDir == "" {
		return nil, structs.NewErr(structs.ErrKindInvalidArgument, "xts root dir is required")
	}
	if req.XtsType == "" {
		return nil, structs.NewErr(structs.ErrKindInvalidArgument, "xts type is required")
	}

	suiteDir := filepath.Join(req.XtsRootDir, "android-"+req.XtsType)
	localModules, err := listLocalModules(suiteDir)
	if err != nil {
		return nil, err
	}

	// Non-tradefed modules live in the device configuration file, not in
	// testcases; they are part of the module universe all the same.
	moblyConfigs, err := loadDeviceConfigurations(suiteDir)
	if err != nil {
		return nil, err
	}
	for module := range moblyConfigs {
		localModules = append(localModules, module)
	}

	moduleTests, err := p.filterModules(req, localModules)
	if err != nil {
		return nil, err
	}

	picked := pickDevices(devices, req)
	specs := shardSpecs(req, picked)

	modules := make([]string, 0, len(moduleTests))
	for module := range moduleTests {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	var jobs []*structs.Job
	var tradefedModules []string
	for _, module := range modules {
		if _, ok := moblyConfigs[module]; !ok {
			tradefedModules = append(tradefedModules, module)
		}
	}

	if len(tradefedModules) > 0 || len(moduleTests) == 0 {
		jobs = append(jobs, p.tradefedJob(req, specs, tradefedModules, moduleTests))
	}

	for _, module := range modules {
		config, ok := moblyConfigs[module]
		if !ok {
			continue
		}
		jobs = append(jobs, p.nonTradefedJob(req, module, moduleTests[module], config))
	}

	p.logger.Debug("planned session request",
		"plan", req.TestPlan, "jobs", len(jobs), "modules", len(moduleTests))
	return jobs, nil
}

func (p *Planner) tradefedJob(req *structs.SessionRequestInfo, specs []*structs.SubDeviceSpec, modules []string, moduleTests map[string][]string) *structs.Job {
	name := "xts-tradefed-job-" + sanitizeName(req.TestPlan)
	timeouts := jobTimeouts(req, structs.JobTypeTradefed)

	params := map[string]string{
		"xts_type":     req.XtsType,
		"xts_root_dir": req.XtsRootDir,
		"xts_test_plan": func() string {
			if req.TestPlan == "" {
				return "cts"
			}
			return req.TestPlan
		}(),
	}
	if req.TestName != "" {
		params["test_name"] = req.TestName
	}
	if req.RetrySessionID != "" {
		params["prev_session_id"] = req.RetrySessionID
	}
	if len(modules) > 0 {
		params["run_command_args"] = tradefedRunArgs(modules, moduleTests)
	}
	for k, v := range req.EnvVars {
		params["env_"+k] = v
	}

	return &structs.Job{
		ID:             uuid.Generate(),
		Name:           name,
		Type:           structs.JobTypeTradefed,
		Driver:         tradefedDriver,
		ExecMode:       "STANDARD",
		Params:         params,
		SubDeviceSpecs: specs,
		Timeouts:       timeouts,
		Priority:       50,
		Attempts:       1,
		GenDir:         genDir(req.XtsRootDir, name),
	}
}

func (p *Planner) nonTradefedJob(req *structs.SessionRequestInfo, module string, tests []string, config *moduleDeviceConfig) *structs.Job {
	name := "xts-mobly-aosp-package-job-" + sanitizeName(module)
	timeouts := jobTimeouts(req, structs.JobTypeNonTradefed)

	params := map[string]string{
		"xts_type":     req.XtsType,
		"xts_root_dir": req.XtsRootDir,
		"module_name":  module,
	}
	if len(tests) > 0 {
		params["test_case_selector"] = strings.Join(tests, " ")
	}
	for k, v := range req.EnvVars {
		params["env_"+k] = v
	}

	specs := make([]*structs.SubDeviceSpec, 0, config.DeviceCount)
	for i := 0; i < config.DeviceCount; i++ {
		specs = append(specs, &structs.SubDeviceSpec{
			Type:       config.DeviceType,
			Dimensions: copyDims(config.Dimensions),
		})
	}

	return &structs.Job{
		ID:             uuid.Generate(),
		Name:           name,
		Type:           structs.JobTypeNonTradefed,
		Driver:         nonTradefedDriver,
		ExecMode:       "STANDARD",
		Params:         params,
		SubDeviceSpecs: specs,
		Timeouts:       timeouts,
		Priority:       50,
		Attempts:       1,
		GenDir:         genDir(req.XtsRootDir, name),
	}
}

// jobTimeouts resolves the three timeout knobs from the request and the
// per-family defaults.
func jobTimeouts(req *structs.SessionRequestInfo, jobType structs.JobType) structs.JobTimeouts {
	jobTimeout := req.JobTimeout
	startTimeout := req.StartTimeout

	if jobTimeout == 0 {
		if jobType == structs.JobTypeTradefed {
			jobTimeout = defaultTradefedJobTimeout
		} else {
			jobTimeout = defaultNonTradefedJobTimeout
		}
	}
	if startTimeout == 0 {
		if jobType == structs.JobTypeTradefed {
			startTimeout = defaultTradefedStartTimeout
		} else {
			startTimeout = defaultNonTradefedStartTimeout
		}
	}

	return structs.JobTimeouts{
		Job:   jobTimeout,
		Start: startTimeout,
		Test:  testTimeout(jobTimeout),
	}
}

// testTimeout leaves the job a minute to collect results, but never takes
// more than half of a short job's budget.
func testTimeout(jobTimeout time.Duration) time.Duration {
	if jobTimeout >= 2*time.Minute {
		if d := jobTimeout - time.Minute; d > jobTimeout/2 {
			return d
		}
	}
	return jobTimeout / 2
}

// tradefedRunArgs renders the module filters into tradefed command
// arguments, one include per module or module+test pair.
func tradefedRunArgs(modules []string, moduleTests map[string][]string) string {
	var args []string
	for _, module := range modules {
		tests := moduleTests[module]
		if len(tests) == 0 {
			args = append(args, fmt.Sprintf("--include-filter %q", module))
			continue
		}
		for _, test := range tests {
			args = append(args, fmt.Sprintf("--include-filter %q", module+" "+test))
		}
	}
	return strings.Join(args, " ")
}

// genDir builds the isolated generated-files directory for a job.
func genDir(root, name string) string {
	return filepath.Join(root, fmt.Sprintf("job_gen_%s_%s", url.QueryEscape(name), uuid.Generate()))
}

// sanitizeName makes a job-name fragment out of a free-form name.
func sanitizeName(name string) string {
	if name == "" {
		return "default"
	}
	return strings.ReplaceAll(name, " ", "_")
}

func copyDims(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
