// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// AllocationStore owns the exclusive {device <-> test} mapping. It keeps two
// indexes which are always mutated together under one mutex:
//
//	byTest:   test locator -> allocation
//	byDevice: universal device id -> allocation
//
// Every allocation present in one index is present in the other, for every
// device it names. Consumers can never observe a partial state.
type AllocationStore struct {
	mu sync.Mutex

	byTest   map[structs.TestLocator]*structs.Allocation
	byDevice map[string]*structs.Allocation

	backend Backend
	logger  hclog.Logger
}

// NewAllocationStore creates an empty store over the given backend. Pass a
// NoopBackend when persistence is not wanted.
func NewAllocationStore(backend Backend, logger hclog.Logger) *AllocationStore {
	return &AllocationStore{
		byTest:   make(map[structs.TestLocator]*structs.Allocation),
		byDevice: make(map[string]*structs.Allocation),
		backend:  backend,
		logger:   logger.Named("alloc_store"),
	}
}

// Add records the allocation in both indexes and persists it. It returns
// false without side effects if the test or any device is already
// allocated. A persistence failure is logged but does not fail the add; the
// in-memory state stays authoritative.
func (s *AllocationStore) Add(alloc *structs.Allocation) bool {
	if alloc == nil || len(alloc.Devices) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTest[alloc.TestLocator]; ok {
		return false
	}
	for _, d := range alloc.Devices {
		if _, ok := s.byDevice[d.UniversalID]; ok {
			return false
		}
	}

	alloc = alloc.Copy()
	s.byTest[alloc.TestLocator] = alloc
	for _, d := range alloc.Devices {
		s.byDevice[d.UniversalID] = alloc
	}

	if err := s.backend.Put(alloc); err != nil {
		s.logger.Error("failed to persist allocation; it will not survive a restart",
			"test", alloc.TestLocator, "error", err)
	}
	return true
}

// RemoveByTest deletes the allocation owning the test from both indexes and
// returns it. Removing an absent test is a no-op returning nil.
func (s *AllocationStore) RemoveByTest(loc structs.TestLocator) *structs.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(s.byTest[loc])
}

// RemoveByDevice deletes the allocation holding the device from both
// indexes and returns it. Removing an absent device is a no-op returning nil.
func (s *AllocationStore) RemoveByDevice(universalID string) *structs.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(s.byDevice[universalID])
}

func (s *AllocationStore) removeLocked(alloc *structs.Allocation) *structs.Allocation {
	if alloc == nil {
		return nil
	}

	delete(s.byTest, alloc.TestLocator)
	for _, d := range alloc.Devices {
		delete(s.byDevice, d.UniversalID)
	}

	if err := s.backend.Delete(alloc.TestLocator); err != nil {
		s.logger.Error("failed to delete persisted allocation",
			"test", alloc.TestLocator, "error", err)
	}
	return alloc
}

// ByTest returns the allocation owning the test, or nil.
func (s *AllocationStore) ByTest(loc structs.TestLocator) *structs.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTest[loc]
}

// ByDevice returns the allocation holding the device, or nil.
func (s *AllocationStore) ByDevice(universalID string) *structs.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byDevice[universalID]
}

func (s *AllocationStore) HasTest(loc structs.TestLocator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byTest[loc]
	return ok
}

func (s *AllocationStore) HasDevice(universalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byDevice[universalID]
	return ok
}

// List returns a snapshot of every allocation in the store.
func (s *AllocationStore) List() []*structs.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*structs.Allocation, 0, len(s.byTest))
	for _, alloc := range s.byTest {
		out = append(out, alloc)
	}
	return out
}

// Count returns the number of allocations held.
func (s *AllocationStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTest)
}

// Restore reloads persisted allocations through Add. Records whose Add is
// rejected indicate a conflict left behind by a crash; they are dropped with
// a warning and removed from the backend. Restore is the only caller of Add
// at startup.
func (s *AllocationStore) Restore() error {
	persisted, err := s.backend.List()
	if err != nil {
		return err
	}

	for _, alloc := range persisted {
		if s.Add(alloc) {
			continue
		}
		s.logger.Warn("dropping conflicting persisted allocation",
			"test", alloc.TestLocator)
		if err := s.backend.Delete(alloc.TestLocator); err != nil {
			s.logger.Error("failed to delete conflicting persisted allocation",
				"test", alloc.TestLocator, "error", err)
		}
	}
	return nil
}
