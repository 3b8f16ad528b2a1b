// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import "github.com/hashicorp/devicelab/devicelab/structs"

// Backend is the persistence adapter behind the allocation store. The store
// treats its in-memory state as authoritative; the backend only has to be
// good enough to resume unfinished allocations after a restart.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// List returns every persisted allocation.
	List() ([]*structs.Allocation, error)

	// Put persists an allocation keyed by its test locator.
	Put(alloc *structs.Allocation) error

	// Delete removes the allocation persisted for the test locator.
	// Deleting an absent key is a no-op.
	Delete(loc structs.TestLocator) error

	// Close releases the backend.
	Close() error
}
