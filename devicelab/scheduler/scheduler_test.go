// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/devicelab/devicelab/state"
	"github.com/hashicorp/devicelab/devicelab/stream"
	"github.com/hashicorp/devicelab/devicelab/structs"
	"github.com/hashicorp/devicelab/helper/testlog"
	"github.com/hashicorp/devicelab/testutil"
)

func testScheduler(t *testing.T) (*Scheduler, *state.AllocationStore, *stream.EventBroker) {
	logger := testlog.HCLogger(t)
	store := state.NewAllocationStore(state.NewMemBackend(), logger)
	broker := stream.NewEventBroker(logger)
	sched := New(&Config{
		AllocStore:   store,
		Broker:       broker,
		Logger:       logger,
		JobInterval:  time.Millisecond,
		IdleInterval: 5 * time.Millisecond,
	})
	return sched, store, broker
}

func testLab(ip string) *structs.Lab {
	return &structs.Lab{IP: ip, HostName: "lab-" + ip}
}

func testDevice(id, labIP string, types ...string) *structs.Device {
	return &structs.Device{
		ID:          id,
		LabIP:       labIP,
		UniversalID: structs.UniversalDeviceID(id, labIP),
		Types:       types,
		Owners:      []string{"mdb-user"},
		Status:      structs.DeviceStatusIdle,
	}
}

func testJob(id string, specs ...*structs.SubDeviceSpec) *structs.Job {
	return &structs.Job{
		ID:             id,
		Name:           "job-" + id,
		Driver:         "AndroidInstrumentation",
		RunAs:          "mdb-user",
		SubDeviceSpecs: specs,
	}
}

func TestScheduler_SingleDevicePlacement(t *testing.T) {
	sched, store, broker := testScheduler(t)

	sub := broker.Subscribe(structs.TopicAllocation, 4)
	defer sub.Close()

	lab := testLab("10.0.0.1")
	sched.UpsertDevice(testDevice("d1", lab.IP, "typeA"), lab)
	sched.UpsertDevice(testDevice("d2", lab.IP, "typeB"), lab)

	job := testJob("j1", &structs.SubDeviceSpec{Type: "typeA"})
	must.NoError(t, sched.AddJob(job))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))

	must.Eq(t, 1, sched.pass(context.Background()))

	alloc := store.ByTest(structs.TestLocator{JobID: "j1", TestID: "t1"})
	must.NotNil(t, alloc)
	must.Len(t, 1, alloc.Devices)
	must.Eq(t, "d1", alloc.Devices[0].ID)
	must.True(t, store.HasDevice("d1@10.0.0.1"))
	must.False(t, store.HasDevice("d2@10.0.0.1"))

	event := <-sub.Events()
	must.Eq(t, structs.TypeAllocationCreated, event.Type)
	must.Eq(t, "j1/t1", event.Key)
}

func TestScheduler_Rotation(t *testing.T) {
	sched, store, _ := testScheduler(t)

	lab := testLab("10.0.0.1")
	sched.UpsertDevice(testDevice("d1", lab.IP, "typeA"), lab)
	sched.UpsertDevice(testDevice("d2", lab.IP, "typeA"), lab)

	must.NoError(t, sched.AddJob(testJob("j1", &structs.SubDeviceSpec{Type: "typeA"})))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1a", JobID: "j1"}))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1b", JobID: "j1"}))
	must.NoError(t, sched.AddJob(testJob("j2", &structs.SubDeviceSpec{Type: "typeA"})))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t2", JobID: "j2"}))

	// One pass: each job places exactly one test; j1 does not get both
	// devices even though it has two waiting tests.
	must.Eq(t, 2, sched.pass(context.Background()))
	must.True(t, store.HasTest(structs.TestLocator{JobID: "j1", TestID: "t1a"}))
	must.True(t, store.HasTest(structs.TestLocator{JobID: "j2", TestID: "t2"}))
	must.False(t, store.HasTest(structs.TestLocator{JobID: "j1", TestID: "t1b"}))

	// No devices left: another pass places nothing.
	must.Eq(t, 0, sched.pass(context.Background()))

	// A device freeing up lets the starved test through.
	alloc := store.ByTest(structs.TestLocator{JobID: "j2", TestID: "t2"})
	sched.Unallocate(alloc, false, false)
	must.Eq(t, 1, sched.pass(context.Background()))
	must.True(t, store.HasTest(structs.TestLocator{JobID: "j1", TestID: "t1b"}))
}

func TestScheduler_AdhocTestbedOrder(t *testing.T) {
	sched, store, _ := testScheduler(t)

	lab := testLab("10.0.0.1")
	sched.UpsertDevice(testDevice("d1", lab.IP, "typeB"), lab)
	sched.UpsertDevice(testDevice("d2", lab.IP, "typeA"), lab)

	job := testJob("j1",
		&structs.SubDeviceSpec{Type: "typeA"},
		&structs.SubDeviceSpec{Type: "typeB"},
	)
	must.NoError(t, sched.AddJob(job))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))

	must.Eq(t, 1, sched.pass(context.Background()))

	// The allocation order follows the spec order, not the device order.
	alloc := store.ByTest(structs.TestLocator{JobID: "j1", TestID: "t1"})
	must.NotNil(t, alloc)
	must.Len(t, 2, alloc.Devices)
	must.Eq(t, "d2", alloc.Devices[0].ID)
	must.Eq(t, "d1", alloc.Devices[1].ID)
}

func TestScheduler_AdhocBacktracking(t *testing.T) {
	sched, store, _ := testScheduler(t)

	lab := testLab("10.0.0.1")
	special := testDevice("d1", lab.IP, "typeA")
	special.Dimensions = map[string]string{"pool": "special"}
	sched.UpsertDevice(special, lab)
	sched.UpsertDevice(testDevice("d2", lab.IP, "typeA"), lab)

	// The first spec matches both devices, the second only d1. Taking d1
	// for the first spec would starve the second; the match must back off
	// and give the first spec d2.
	job := testJob("j1",
		&structs.SubDeviceSpec{Type: "typeA"},
		&structs.SubDeviceSpec{Type: "typeA", Dimensions: map[string]string{"pool": "special"}},
	)
	must.NoError(t, sched.AddJob(job))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))

	must.Eq(t, 1, sched.pass(context.Background()))

	alloc := store.ByTest(structs.TestLocator{JobID: "j1", TestID: "t1"})
	must.NotNil(t, alloc)
	must.Len(t, 2, alloc.Devices)
	must.Eq(t, "d2", alloc.Devices[0].ID)
	must.Eq(t, "d1", alloc.Devices[1].ID)
}

func TestScheduler_AdhocRequiresSharedLab(t *testing.T) {
	sched, store, _ := testScheduler(t)

	sched.UpsertDevice(testDevice("d1", "10.0.0.1", "typeA"), testLab("10.0.0.1"))
	sched.UpsertDevice(testDevice("d2", "10.0.0.2", "typeB"), testLab("10.0.0.2"))

	job := testJob("j1",
		&structs.SubDeviceSpec{Type: "typeA"},
		&structs.SubDeviceSpec{Type: "typeB"},
	)
	must.NoError(t, sched.AddJob(job))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))

	// No single lab can satisfy both specs.
	must.Eq(t, 0, sched.pass(context.Background()))
	must.Zero(t, store.Count())
}

func TestScheduler_AdhocOwnerFilter(t *testing.T) {
	sched, store, _ := testScheduler(t)

	lab := testLab("10.0.0.1")
	other := testDevice("d1", lab.IP, "typeA")
	other.Owners = []string{"someone-else"}
	sched.UpsertDevice(other, lab)
	sched.UpsertDevice(testDevice("d2", lab.IP, "typeB"), lab)

	job := testJob("j1",
		&structs.SubDeviceSpec{Type: "typeA"},
		&structs.SubDeviceSpec{Type: "typeB"},
	)
	must.NoError(t, sched.AddJob(job))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))

	must.Eq(t, 0, sched.pass(context.Background()))
	must.Zero(t, store.Count())
}

func TestScheduler_DuplicateJobAndTest(t *testing.T) {
	sched, _, _ := testScheduler(t)

	must.NoError(t, sched.AddJob(testJob("j1")))
	err := sched.AddJob(testJob("j1"))
	must.ErrorIs(t, err, structs.ErrJobDuplicated)
	must.True(t, structs.IsErrDuplicated(err))

	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))
	err = sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"})
	must.ErrorIs(t, err, structs.ErrTestDuplicated)

	err = sched.AddTest(&structs.Test{ID: "t2", JobID: "missing"})
	must.True(t, structs.IsErrNotFound(err))
}

func TestScheduler_RemoveJobReleasesAllocations(t *testing.T) {
	sched, store, _ := testScheduler(t)

	lab := testLab("10.0.0.1")
	sched.UpsertDevice(testDevice("d1", lab.IP, "typeA"), lab)

	must.NoError(t, sched.AddJob(testJob("j1", &structs.SubDeviceSpec{Type: "typeA"})))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))
	// A second test with no allocation exercises the skip path.
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t2", JobID: "j1"}))
	must.Eq(t, 1, sched.pass(context.Background()))

	must.NoError(t, sched.RemoveJob("j1", false))
	must.Zero(t, store.Count())
	must.False(t, store.HasDevice("d1@10.0.0.1"))

	must.True(t, structs.IsErrNotFound(sched.RemoveJob("j1", false)))
}

func TestScheduler_UnallocateIdempotent(t *testing.T) {
	sched, store, _ := testScheduler(t)

	lab := testLab("10.0.0.1")
	sched.UpsertDevice(testDevice("d1", lab.IP, "typeA"), lab)
	must.NoError(t, sched.AddJob(testJob("j1", &structs.SubDeviceSpec{Type: "typeA"})))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))
	must.Eq(t, 1, sched.pass(context.Background()))

	alloc := store.ByTest(structs.TestLocator{JobID: "j1", TestID: "t1"})
	sched.Unallocate(alloc, false, false)
	sched.Unallocate(alloc, false, false)
	must.Zero(t, store.Count())
}

func TestScheduler_UnallocateDeviceRemovesRecord(t *testing.T) {
	sched, _, _ := testScheduler(t)

	lab := testLab("10.0.0.1")
	device := testDevice("d1", lab.IP, "typeA")
	sched.UpsertDevice(device, lab)

	// Device holds no allocation; removeDevices drops the record.
	sched.UnallocateDevice(device.Locator(), true, false)
	_, devices := sched.Snapshot()
	must.SliceEmpty(t, devices)
}

func TestScheduler_RunCancellation(t *testing.T) {
	sched, _, _ := testScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler loop did not stop on cancellation")
	}
}

func TestScheduler_RunPlacesEventually(t *testing.T) {
	sched, store, _ := testScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	lab := testLab("10.0.0.1")
	sched.UpsertDevice(testDevice("d1", lab.IP, "typeA"), lab)
	must.NoError(t, sched.AddJob(testJob("j1", &structs.SubDeviceSpec{Type: "typeA"})))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))

	testutil.WaitForResult(func() (bool, error) {
		return store.HasTest(structs.TestLocator{JobID: "j1", TestID: "t1"}), nil
	}, func(err error) {
		t.Fatalf("test was never placed: %v", err)
	})
}

func TestScheduler_ShuffleStrategyStillPlaces(t *testing.T) {
	logger := testlog.HCLogger(t)
	store := state.NewAllocationStore(state.NewMemBackend(), logger)
	sched := New(&Config{
		AllocStore:     store,
		Broker:         stream.NewEventBroker(logger),
		Logger:         logger,
		ShuffleDevices: true,
		JobInterval:    time.Millisecond,
	})

	lab := testLab("10.0.0.1")
	for _, id := range []string{"d1", "d2", "d3"} {
		sched.UpsertDevice(testDevice(id, lab.IP, "typeA"), lab)
	}
	must.NoError(t, sched.AddJob(testJob("j1", &structs.SubDeviceSpec{Type: "typeA"})))
	must.NoError(t, sched.AddTest(&structs.Test{ID: "t1", JobID: "j1"}))

	must.Eq(t, 1, sched.pass(context.Background()))
	must.Eq(t, 1, store.Count())
}
