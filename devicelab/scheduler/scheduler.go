// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler implements the device matching engine: a rotating,
// non-starving loop that binds idle devices to waiting tests under the
// exclusivity invariants enforced by the allocation store.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/devicelab/devicelab/state"
	"github.com/hashicorp/devicelab/devicelab/stream"
	"github.com/hashicorp/devicelab/devicelab/structs"
)

const (
	// defaultJobInterval is the yield between jobs within one pass.
	defaultJobInterval = 10 * time.Millisecond

	// defaultIdleInterval is the sleep after a full pass that produced no
	// allocation.
	defaultIdleInterval = 50 * time.Millisecond
)

// Config bundles the collaborators the scheduler is constructed with.
type Config struct {
	AllocStore *state.AllocationStore
	Broker     *stream.EventBroker
	Logger     hclog.Logger

	// ShuffleDevices selects the global-shuffle placement strategy instead
	// of the deterministic lab-first order.
	ShuffleDevices bool

	// JobInterval and IdleInterval override the loop pacing when non-zero.
	JobInterval  time.Duration
	IdleInterval time.Duration
}

// jobUnit is a job plus its tests, in submission order.
type jobUnit struct {
	job       *structs.Job
	tests     map[string]*structs.Test
	testOrder []string
}

// labUnit is a lab plus its devices.
type labUnit struct {
	lab     *structs.Lab
	devices map[string]*structs.Device
}

// Scheduler holds the fleet view (labs, devices) and the waiting jobs, and
// drives the allocation loop. All mutations touching allocations happen
// under one coarse mutex; mutators must not block on external I/O while
// holding it. Events are published after the mutex is released so that
// handlers may call back into the scheduler to unallocate.
type Scheduler struct {
	mu sync.Mutex

	jobs     map[string]*jobUnit
	jobOrder []string
	labs     map[string]*labUnit

	store  *state.AllocationStore
	broker *stream.EventBroker
	logger hclog.Logger

	shuffle      bool
	rand         *rand.Rand
	jobInterval  time.Duration
	idleInterval time.Duration
}

func New(config *Config) *Scheduler {
	s := &Scheduler{
		jobs:         make(map[string]*jobUnit),
		labs:         make(map[string]*labUnit),
		store:        config.AllocStore,
		broker:       config.Broker,
		logger:       config.Logger.Named("scheduler"),
		shuffle:      config.ShuffleDevices,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		jobInterval:  config.JobInterval,
		idleInterval: config.IdleInterval,
	}
	if s.jobInterval == 0 {
		s.jobInterval = defaultJobInterval
	}
	if s.idleInterval == 0 {
		s.idleInterval = defaultIdleInterval
	}
	return s
}

// Run drives the allocation loop until the context is cancelled. The loop
// never fails: every per-job error is logged and the rotation continues.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler loop started")
	defer s.logger.Info("scheduler loop stopped")

	for {
		allocated := s.pass(ctx)
		if ctx.Err() != nil {
			return
		}
		if allocated == 0 {
			if !sleepCtx(ctx, s.idleInterval) {
				return
			}
		}
	}
}

// pass rotates once over all known jobs, attempting to place at most one
// test per job, and returns the number of allocations created.
func (s *Scheduler) pass(ctx context.Context) int {
	defer metrics.MeasureSince([]string{"devicelab", "scheduler", "pass"}, time.Now())

	allocated := 0
	for _, jobID := range s.jobIDs() {
		if ctx.Err() != nil {
			return allocated
		}
		if s.allocateOnce(jobID) {
			allocated++
		}
		if !sleepCtx(ctx, s.jobInterval) {
			return allocated
		}
	}
	return allocated
}

func (s *Scheduler) jobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.jobOrder...)
}

// allocateOnce considers only the first waiting test of the job. Whether or
// not that test is placed, the rotation moves on; this is what keeps one
// demanding job from starving the others.
func (s *Scheduler) allocateOnce(jobID string) (allocated bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("allocation attempt panicked", "job_id", jobID, "panic", r)
			allocated = false
		}
	}()

	alloc := s.tryAllocate(jobID)
	if alloc == nil {
		return false
	}

	metrics.IncrCounter([]string{"devicelab", "scheduler", "allocations"}, 1)
	s.publishAllocation(structs.TypeAllocationCreated, alloc)
	return true
}

func (s *Scheduler) tryAllocate(jobID string) *structs.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.jobs[jobID]
	if !ok {
		return nil
	}

	test := s.firstWaitingTest(unit)
	if test == nil {
		return nil
	}

	var devices []*structs.Device
	if len(unit.job.SubDeviceSpecs) > 1 {
		devices = s.matchAdhoc(unit.job)
	} else {
		if d := s.matchSingle(unit.job); d != nil {
			devices = []*structs.Device{d}
		}
	}
	if len(devices) == 0 {
		return nil
	}
	return s.commitAllocation(unit.job, test, devices)
}

func (s *Scheduler) firstWaitingTest(unit *jobUnit) *structs.Test {
	for _, testID := range unit.testOrder {
		test := unit.tests[testID]
		if !s.store.HasTest(test.Locator()) {
			return test
		}
	}
	return nil
}

// commitAllocation re-checks every assumption made during matching before
// touching the allocation store, then records the allocation. The re-check
// protects against races with RemoveJob, RemoveDevice and UpsertDevice
// observed between filter and commit. Callers hold s.mu.
func (s *Scheduler) commitAllocation(job *structs.Job, test *structs.Test, devices []*structs.Device) *structs.Allocation {
	unit, ok := s.jobs[job.ID]
	if !ok {
		return nil
	}
	if _, ok := unit.tests[test.ID]; !ok {
		return nil
	}

	labIP := devices[0].LabIP
	locators := make([]structs.DeviceLocator, len(devices))
	for i, d := range devices {
		if d.LabIP != labIP {
			return nil
		}
		lab, ok := s.labs[d.LabIP]
		if !ok {
			return nil
		}
		current, ok := lab.devices[d.ID]
		if !ok || current.Status != structs.DeviceStatusIdle {
			return nil
		}
		if s.store.HasDevice(current.UniversalID) {
			return nil
		}
		locators[i] = current.Locator()
	}

	alloc := &structs.Allocation{
		TestLocator: test.Locator(),
		Devices:     locators,
		CreateTime:  time.Now(),
	}
	if !s.store.Add(alloc) {
		return nil
	}

	s.logger.Debug("allocated devices to test",
		"job_id", job.ID, "test_id", test.ID, "lab", labIP, "devices", len(locators))
	return alloc
}

func (s *Scheduler) publishAllocation(eventType string, alloc *structs.Allocation) {
	s.broker.Publish(&structs.Event{
		Topic:   structs.TopicAllocation,
		Type:    eventType,
		Key:     alloc.TestLocator.String(),
		Payload: &structs.AllocationEvent{Allocation: alloc.Copy(), Time: time.Now()},
	})
}

// AddJob registers a job with no tests yet.
func (s *Scheduler) AddJob(job *structs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return structs.ErrJobDuplicated
	}
	s.jobs[job.ID] = &jobUnit{
		job:   job.Copy(),
		tests: make(map[string]*structs.Test),
	}
	s.jobOrder = append(s.jobOrder, job.ID)
	s.logger.Info("job added", "job_id", job.ID, "name", job.Name, "type", job.Type.String())
	return nil
}

// RemoveJob drops the job and unallocates every test that holds devices.
// When removeDevices is set the device records are dropped with the
// allocations.
func (s *Scheduler) RemoveJob(jobID string, removeDevices bool) error {
	s.mu.Lock()

	unit, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return structs.NewErr(structs.ErrKindNotFound, "job %q not found", jobID)
	}

	var released []*structs.Allocation
	for _, testID := range unit.testOrder {
		test := unit.tests[testID]
		alloc := s.store.ByTest(test.Locator())
		if alloc == nil {
			// A test without an allocation has nothing to release.
			continue
		}
		if removed := s.releaseLocked(alloc, removeDevices, false); removed != nil {
			released = append(released, removed)
		}
	}

	delete(s.jobs, jobID)
	for i, id := range s.jobOrder {
		if id == jobID {
			s.jobOrder = append(s.jobOrder[:i], s.jobOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.logger.Info("job removed", "job_id", jobID, "released_allocations", len(released))
	for _, alloc := range released {
		s.publishAllocation(structs.TypeAllocationReleased, alloc)
	}
	return nil
}

// AddTest registers a test under its job.
func (s *Scheduler) AddTest(test *structs.Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.jobs[test.JobID]
	if !ok {
		return structs.NewErr(structs.ErrKindNotFound, "job %q not found", test.JobID)
	}
	if _, ok := unit.tests[test.ID]; ok {
		return structs.ErrTestDuplicated
	}
	unit.tests[test.ID] = test
	unit.testOrder = append(unit.testOrder, test.ID)
	return nil
}

// UpsertLab ensures the lab record exists, updating it in place.
func (s *Scheduler) UpsertLab(lab *structs.Lab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLabLocked(lab)
}

func (s *Scheduler) upsertLabLocked(lab *structs.Lab) *labUnit {
	unit, ok := s.labs[lab.IP]
	if !ok {
		unit = &labUnit{devices: make(map[string]*structs.Device)}
		s.labs[lab.IP] = unit
	}
	unit.lab = lab.Copy()
	return unit
}

// UpsertDevice ensures the lab and replaces or updates the device record.
func (s *Scheduler) UpsertDevice(device *structs.Device, lab *structs.Lab) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit := s.upsertLabLocked(lab)
	d := device.Copy()
	d.LabIP = lab.IP
	if d.UniversalID == "" {
		d.UniversalID = structs.UniversalDeviceID(d.ID, lab.IP)
	}
	unit.devices[d.ID] = d
}

// RemoveDevice drops the device record; any allocation it holds is
// released first.
func (s *Scheduler) RemoveDevice(loc structs.DeviceLocator) {
	s.mu.Lock()
	var released *structs.Allocation
	if alloc := s.store.ByDevice(loc.UniversalID); alloc != nil {
		released = s.releaseLocked(alloc, false, false)
	}
	s.removeDeviceLocked(loc)
	s.mu.Unlock()

	if released != nil {
		s.publishAllocation(structs.TypeAllocationReleased, released)
	}
}

func (s *Scheduler) removeDeviceLocked(loc structs.DeviceLocator) {
	if lab, ok := s.labs[loc.LabIP]; ok {
		delete(lab.devices, loc.ID)
	}
}

// UnallocateDevice releases whatever allocation the device holds. When the
// device holds no allocation and removeDevices is set, the device record is
// removed anyway.
func (s *Scheduler) UnallocateDevice(loc structs.DeviceLocator, removeDevices, closeTest bool) {
	s.mu.Lock()

	alloc := s.store.ByDevice(loc.UniversalID)
	if alloc == nil {
		if removeDevices {
			s.removeDeviceLocked(loc)
		}
		s.mu.Unlock()
		return
	}

	released := s.releaseLocked(alloc, removeDevices, closeTest)
	s.mu.Unlock()

	if released != nil {
		s.publishAllocation(structs.TypeAllocationReleased, released)
	}
}

// Unallocate releases the allocation. Release is idempotent: unallocating
// an allocation that is no longer in the store is a no-op.
func (s *Scheduler) Unallocate(alloc *structs.Allocation, removeDevices, closeTest bool) {
	s.mu.Lock()
	released := s.releaseLocked(alloc, removeDevices, closeTest)
	s.mu.Unlock()

	if released != nil {
		s.publishAllocation(structs.TypeAllocationReleased, released)
	}
}

// releaseLocked removes the allocation from the store and applies the
// removeDevices/closeTest flags. It returns the removed allocation, or nil
// when it was already gone. Callers hold s.mu and publish the release event
// after unlocking.
func (s *Scheduler) releaseLocked(alloc *structs.Allocation, removeDevices, closeTest bool) *structs.Allocation {
	removed := s.store.RemoveByTest(alloc.TestLocator)
	if removed == nil {
		return nil
	}

	if removeDevices {
		for _, d := range removed.Devices {
			s.removeDeviceLocked(d)
		}
	}
	if closeTest {
		if unit, ok := s.jobs[alloc.TestLocator.JobID]; ok {
			delete(unit.tests, alloc.TestLocator.TestID)
			for i, id := range unit.testOrder {
				if id == alloc.TestLocator.TestID {
					unit.testOrder = append(unit.testOrder[:i], unit.testOrder[i+1:]...)
					break
				}
			}
		}
	}

	s.logger.Debug("released allocation", "test", removed.TestLocator,
		"remove_devices", removeDevices, "close_test", closeTest)
	return removed
}

// Snapshot returns a copy of the current fleet view for monitoring.
func (s *Scheduler) Snapshot() ([]*structs.Lab, []*structs.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	labs := make([]*structs.Lab, 0, len(s.labs))
	var devices []*structs.Device
	for _, ip := range s.labIPs() {
		unit := s.labs[ip]
		labs = append(labs, unit.lab.Copy())
		for _, id := range sortedDeviceIDs(unit) {
			devices = append(devices, unit.devices[id].Copy())
		}
	}
	return labs, devices
}

// labIPs returns lab keys in deterministic order. Callers hold s.mu.
func (s *Scheduler) labIPs() []string {
	ips := make([]string, 0, len(s.labs))
	for ip := range s.labs {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

func sortedDeviceIDs(unit *labUnit) []string {
	ids := make([]string, 0, len(unit.devices))
	for id := range unit.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sleepCtx sleeps for d unless the context is cancelled first, in which
// case it reports false.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
