// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"sync"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

// MemBackend implements Backend entirely in memory. Tests use it as a
// persistence double; restart semantics can be simulated by sharing one
// MemBackend between two stores.
type MemBackend struct {
	mu     sync.Mutex
	allocs map[structs.TestLocator]*structs.Allocation

	// FailPuts makes every Put return an error, for exercising the
	// log-and-continue path.
	FailPuts error
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		allocs: make(map[structs.TestLocator]*structs.Allocation),
	}
}

func (m *MemBackend) Put(alloc *structs.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts != nil {
		return m.FailPuts
	}
	m.allocs[alloc.TestLocator] = alloc.Copy()
	return nil
}

func (m *MemBackend) Delete(loc structs.TestLocator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allocs, loc)
	return nil
}

func (m *MemBackend) List() ([]*structs.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*structs.Allocation, 0, len(m.allocs))
	for _, a := range m.allocs {
		out = append(out, a.Copy())
	}
	return out, nil
}

func (m *MemBackend) Close() error { return nil }

// NoopBackend persists nothing. With it, a restart resumes no allocations,
// which is well-defined.
type NoopBackend struct{}

func (NoopBackend) Put(*structs.Allocation) error        { return nil }
func (NoopBackend) Delete(structs.TestLocator) error     { return nil }
func (NoopBackend) List() ([]*structs.Allocation, error) { return nil, nil }
func (NoopBackend) Close() error                         { return nil }
