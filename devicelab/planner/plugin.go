// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package planner

import (
	"context"
	"strconv"
	"strings"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/devicelab/devicelab"
	"github.com/hashicorp/devicelab/devicelab/resolver"
	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/helper/uuid"
)

// DeviceLister provides the fleet snapshot shard expansion works against.
// The scheduler implements it.
type DeviceLister interface {
	Snapshot() ([]*structs.Lab, []*structs.Device)
}

// PathResolver fetches remote suite roots before planning. Local paths are
// used in place.
type PathResolver interface {
	ShouldResolve(source resolver.Source) bool
	Resolve(ctx context.Context, source resolver.Source) (*resolver.Result, error)
}

// PluginConfig bundles the plugin's collaborators.
type PluginConfig struct {
	Logger  hclog.Logger
	Planner *Planner
	Devices DeviceLister

	// Resolver fetches remote xts roots; optional.
	Resolver PathResolver
}

// Plugin runs the planner inside a session's execution: at session start
// it expands the request into jobs and submits them; at session end it
// tears its jobs down again.
type Plugin struct {
	logger   hclog.Logger
	planner  *Planner
	devices  DeviceLister
	resolver PathResolver

	mu   sync.Mutex
	jobs map[string][]string
}

func NewPlugin(config *PluginConfig) *Plugin {
	return &Plugin{
		logger:   config.Logger.Named("planner_plugin"),
		planner:  config.Planner,
		devices:  config.Devices,
		resolver: config.Resolver,
		jobs:     make(map[string][]string),
	}
}

func (p *Plugin) Name() string { return "session_request_planner" }

func (p *Plugin) OnSessionStarting(ctx context.Context, run *devicelab.Run) error {
	session, err := run.Session()
	if err != nil {
		return err
	}
	req := session.Config.Request
	if req == nil {
		return nil
	}

	if req, err = p.resolveRoot(ctx, req); err != nil {
		return err
	}

	_, devices := p.devices.Snapshot()
	jobs, err := p.planner.Plan(req, devices)
	if err != nil {
		return err
	}

	submitter := run.Submitter()
	var jobIDs []string
	for _, job := range jobs {
		if err := submitter.AddJob(job); err != nil {
			p.removeJobs(submitter, jobIDs)
			return err
		}
		jobIDs = append(jobIDs, job.ID)

		test := &structs.Test{ID: uuid.Generate(), JobID: job.ID, Name: job.Name}
		if err := submitter.AddTest(test); err != nil {
			p.removeJobs(submitter, jobIDs)
			return err
		}
	}

	p.mu.Lock()
	p.jobs[run.SessionID()] = jobIDs
	p.mu.Unlock()

	run.SetOutputProperty("planned_jobs", strconv.Itoa(len(jobs)))
	p.logger.Info("planned session jobs", "session_id", run.SessionID(), "jobs", len(jobs))
	return nil
}

func (p *Plugin) OnSessionEnded(ctx context.Context, run *devicelab.Run, runErr error) {
	p.mu.Lock()
	jobIDs := p.jobs[run.SessionID()]
	delete(p.jobs, run.SessionID())
	p.mu.Unlock()

	if err := p.removeJobs(run.Submitter(), jobIDs); err != nil {
		p.logger.Warn("failed to tear down session jobs",
			"session_id", run.SessionID(), "error", err)
	}
}

// resolveRoot downloads a remote xts root and rewrites the request to the
// fetched copy. Plain paths pass through untouched.
func (p *Plugin) resolveRoot(ctx context.Context, req *structs.SessionRequestInfo) (*structs.SessionRequestInfo, error) {
	if p.resolver == nil || !strings.Contains(req.XtsRootDir, "://") {
		return req, nil
	}

	source := resolver.Source{Path: req.XtsRootDir}
	if !p.resolver.ShouldResolve(source) {
		return nil, structs.NewErr(structs.ErrKindResolveFile,
			"no resolver accepts xts root %q", req.XtsRootDir)
	}

	result, err := p.resolver.Resolve(ctx, source)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("resolved remote xts root",
		"source", req.XtsRootDir, "local", result.LocalPath)
	req = req.Copy()
	req.XtsRootDir = result.LocalPath
	return req, nil
}

func (p *Plugin) removeJobs(submitter devicelab.JobSubmitter, jobIDs []string) error {
	var mErr *multierror.Error
	for _, id := range jobIDs {
		if err := submitter.RemoveJob(id, false); err != nil && !structs.IsErrNotFound(err) {
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr.ErrorOrNil()
}
