// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// matchAdhoc places a multi-device (ad-hoc testbed) job. Labs are tried in
// deterministic order; all selected devices come from the same lab and the
// returned order matches the job's sub-device spec order. Callers hold s.mu.
func (s *Scheduler) matchAdhoc(job *structs.Job) []*structs.Device {
	wantTypes := set.New[string](len(job.SubDeviceSpecs))
	for _, spec := range job.SubDeviceSpecs {
		if spec.Type != "" {
			wantTypes.Insert(spec.Type)
		}
	}

	for _, ip := range s.labIPs() {
		unit := s.labs[ip]
		candidates := s.adhocCandidates(job, unit, wantTypes)
		if len(candidates) == 0 {
			continue
		}
		if matched := matchTestbed(job.SubDeviceSpecs, candidates); matched != nil {
			return matched
		}
	}
	return nil
}

// adhocCandidates filters one lab's devices down to those eligible for the
// job: unallocated, type set intersecting the requested types, and owned by
// the job's run-as user.
func (s *Scheduler) adhocCandidates(job *structs.Job, unit *labUnit, wantTypes *set.Set[string]) []*structs.Device {
	var candidates []*structs.Device
	for _, id := range sortedDeviceIDs(unit) {
		device := unit.devices[id]
		if device.Status != structs.DeviceStatusIdle {
			continue
		}
		if s.store.HasDevice(device.UniversalID) {
			continue
		}
		if !wantTypes.Empty() && wantTypes.Intersect(set.From(device.Types)).Empty() {
			continue
		}
		if job.RunAs != "" && !containsString(device.Owners, job.RunAs) {
			continue
		}
		candidates = append(candidates, device)
	}
	return candidates
}

// matchTestbed selects one device per sub-device spec, preserving spec
// order. Specs may overlap, so the search backtracks when an early pick
// starves a later spec; candidates within a lab are small enough for the
// exhaustive walk. Returns nil when no full assignment exists.
func matchTestbed(specs []*structs.SubDeviceSpec, candidates []*structs.Device) []*structs.Device {
	if len(specs) > len(candidates) {
		return nil
	}

	used := make([]bool, len(candidates))
	matched := make([]*structs.Device, len(specs))
	if !assignSpecs(specs, candidates, used, matched, 0) {
		return nil
	}
	return matched
}

func assignSpecs(specs []*structs.SubDeviceSpec, candidates []*structs.Device, used []bool, matched []*structs.Device, idx int) bool {
	if idx == len(specs) {
		return true
	}
	for i, device := range candidates {
		if used[i] || !specMatches(specs[idx], device) {
			continue
		}
		used[i] = true
		matched[idx] = device
		if assignSpecs(specs, candidates, used, matched, idx+1) {
			return true
		}
		used[i] = false
	}
	return false
}
