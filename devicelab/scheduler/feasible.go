// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"regexp"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// matchSingle finds one idle device satisfying the job's requirements, or
// nil. The strategy flag picks between a global shuffle over the whole
// fleet and the deterministic lab-first order. Callers hold s.mu.
func (s *Scheduler) matchSingle(job *structs.Job) *structs.Device {
	for _, device := range s.candidateOrder() {
		if device.Status != structs.DeviceStatusIdle {
			continue
		}
		if s.store.HasDevice(device.UniversalID) {
			continue
		}
		if !deviceSupports(job, device) {
			continue
		}
		return device
	}
	return nil
}

// candidateOrder flattens the fleet. Lab-first order is deterministic so
// placement is reproducible; the shuffle strategy spreads load across labs
// instead. Callers hold s.mu.
func (s *Scheduler) candidateOrder() []*structs.Device {
	var devices []*structs.Device
	for _, ip := range s.labIPs() {
		unit := s.labs[ip]
		for _, id := range sortedDeviceIDs(unit) {
			devices = append(devices, unit.devices[id])
		}
	}

	if s.shuffle {
		s.rand.Shuffle(len(devices), func(i, j int) {
			devices[i], devices[j] = devices[j], devices[i]
		})
	}
	return devices
}

// deviceSupports reports whether the device satisfies the job's single
// device requirement. A job without sub-device specs accepts any device.
func deviceSupports(job *structs.Job, device *structs.Device) bool {
	if len(job.SubDeviceSpecs) == 0 {
		return true
	}
	return specMatches(job.SubDeviceSpecs[0], device)
}

// specMatches checks one sub-device spec against one device: the type must
// appear in the device's type set and every required dimension must be
// satisfied. Multi specs carry regex dimension values.
func specMatches(spec *structs.SubDeviceSpec, device *structs.Device) bool {
	if spec.Type != "" && !containsString(device.Types, spec.Type) {
		return false
	}
	for key, want := range spec.Dimensions {
		got, ok := device.Dimensions[key]
		if !ok {
			return false
		}
		if spec.Multi {
			re, err := regexp.Compile("^(?:" + want + ")$")
			if err != nil || !re.MatchString(got) {
				return false
			}
		} else if got != want {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
