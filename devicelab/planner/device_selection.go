// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package planner

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// Device dimension keys the selection criteria read.
const (
	dimSerial             = "serial"
	dimProductType        = "product_type"
	dimBatteryLevel       = "battery_level"
	dimBatteryTemperature = "battery_temperature"
	dimSdkVersion         = "sdk_version"
)

// matches reports whether the device satisfies every selection criterion
// of the request. A missing criterion is a wildcard.
func matches(device *structs.Device, req *structs.SessionRequestInfo) bool {
	serial := device.Dimensions[dimSerial]
	if serial == "" {
		serial = device.ID
	}

	if len(req.DeviceSerials) > 0 && !set.From(req.DeviceSerials).Contains(serial) {
		return false
	}
	if set.From(req.ExcludeDeviceSerials).Contains(serial) {
		return false
	}
	if len(req.ProductTypes) > 0 &&
		!set.From(req.ProductTypes).Contains(device.Dimensions[dimProductType]) {
		return false
	}

	for k, v := range req.DeviceProperties {
		if device.Dimensions[k] != v {
			return false
		}
	}

	if !boundOK(device.Dimensions[dimBatteryLevel], req.MinBatteryLevel, req.MaxBatteryLevel) {
		return false
	}
	if !boundOK(device.Dimensions[dimBatteryTemperature], nil, req.MaxBatteryTemperature) {
		return false
	}
	if !boundOK(device.Dimensions[dimSdkVersion], req.MinSdkLevel, req.MaxSdkLevel) {
		return false
	}
	return true
}

// boundOK checks a numeric dimension against optional inclusive bounds.
// Devices that do not report the dimension pass; bounds are criteria on
// known values, not a demand that the value exists.
func boundOK(raw string, min, max *int) bool {
	if raw == "" || (min == nil && max == nil) {
		return true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return false
	}
	if min != nil && value < *min {
		return false
	}
	if max != nil && value > *max {
		return false
	}
	return true
}

// pickDevices filters the snapshot down to the matching devices in a
// deterministic order.
func pickDevices(devices []*structs.Device, req *structs.SessionRequestInfo) []*structs.Device {
	var picked []*structs.Device
	for _, device := range devices {
		if matches(device, req) {
			picked = append(picked, device)
		}
	}
	sort.Slice(picked, func(i, j int) bool {
		return picked[i].UniversalID < picked[j].UniversalID
	})
	return picked
}

// shardSpecs expands the selection into sub-device specs. With module
// sharding enabled, no single test requested and a non-retry plan, the
// selection collapses to one multi-matching spec; otherwise one spec per
// shard, capped by the number of matching devices.
func shardSpecs(req *structs.SessionRequestInfo, picked []*structs.Device) []*structs.SubDeviceSpec {
	dimensions := multiMatchDimensions(req)

	if req.EnableModuleSharding && req.TestName == "" && req.TestPlan != "retry" {
		return []*structs.SubDeviceSpec{{
			Type:       "AndroidRealDevice",
			Dimensions: dimensions,
			Multi:      true,
		}}
	}

	count := req.ShardCount
	if count < 1 {
		count = 1
	}
	if len(picked) < count {
		count = len(picked)
	}
	if count < 1 {
		count = 1
	}

	specs := make([]*structs.SubDeviceSpec, 0, count)
	for i := 0; i < count; i++ {
		specs = append(specs, &structs.SubDeviceSpec{
			Type:       "AndroidRealDevice",
			Dimensions: dimensions,
			Multi:      true,
		})
	}
	return specs
}

// multiMatchDimensions renders the selection criteria as one regex-valued
// dimension requirement per criterion, so every shard matches the same
// device population.
func multiMatchDimensions(req *structs.SessionRequestInfo) map[string]string {
	dims := make(map[string]string)

	if len(req.DeviceSerials) > 0 {
		dims[dimSerial] = alternation(req.DeviceSerials)
	}
	if len(req.ProductTypes) > 0 {
		dims[dimProductType] = alternation(req.ProductTypes)
	}
	for k, v := range req.DeviceProperties {
		dims[k] = regexp.QuoteMeta(v)
	}
	if len(dims) == 0 {
		return nil
	}
	return dims
}

func alternation(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = regexp.QuoteMeta(v)
	}
	sort.Strings(quoted)
	return strings.Join(quoted, "|")
}
