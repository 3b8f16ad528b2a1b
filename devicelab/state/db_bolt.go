// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"go.etcd.io/bbolt"

	"github.com/hashicorp/devicelab/devicelab/structs"
)

/*
The controller has a boltDB backed allocation table:

meta/
|--> version -> '1' (not msgpack encoded)
allocations/
|--> <job-id>/<test-id> -> allocEntry{*structs.Allocation}
*/

var (
	// metaBucketName is the name of the metadata bucket
	metaBucketName = []byte("meta")

	// metaVersionKey is the key the state schema version is stored under.
	metaVersionKey = []byte("version")

	// metaVersion is the value of the state schema version to detect when
	// an upgrade is needed. It skips the msgpack encoding to be as portable
	// and futureproof as possible.
	metaVersion = []byte{'1'}

	// allocationsBucketName is the bucket name containing all persisted
	// allocations.
	allocationsBucketName = []byte("allocations")
)

// allocEntry wraps values in the allocations bucket so the schema can grow
// fields without rekeying.
type allocEntry struct {
	Alloc *structs.Allocation
}

// BoltBackend persists allocations to a bolt file. It implements Backend.
type BoltBackend struct {
	db     *bbolt.DB
	logger hclog.Logger
}

// NewBoltBackend opens or creates the allocation database under dir.
func NewBoltBackend(dir string, logger hclog.Logger) (*BoltBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "allocations.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open allocation db: %w", err)
	}

	b := &BoltBackend{
		db:     db,
		logger: logger.Named("bolt_state"),
	}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BoltBackend) init() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}

		version := meta.Get(metaVersionKey)
		switch {
		case version == nil:
			if err := meta.Put(metaVersionKey, metaVersion); err != nil {
				return err
			}
		case !bytes.Equal(version, metaVersion):
			return fmt.Errorf("unsupported state schema version %q", version)
		}

		_, err = tx.CreateBucketIfNotExists(allocationsBucketName)
		return err
	})
}

func allocKey(loc structs.TestLocator) []byte {
	return []byte(loc.String())
}

func (b *BoltBackend) Put(alloc *structs.Allocation) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, structs.MsgpackHandle).Encode(&allocEntry{Alloc: alloc}); err != nil {
		return fmt.Errorf("failed to encode allocation: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(allocationsBucketName).Put(allocKey(alloc.TestLocator), buf.Bytes())
	})
}

func (b *BoltBackend) Delete(loc structs.TestLocator) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(allocationsBucketName).Delete(allocKey(loc))
	})
}

func (b *BoltBackend) List() ([]*structs.Allocation, error) {
	var out []*structs.Allocation
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(allocationsBucketName).ForEach(func(k, v []byte) error {
			var entry allocEntry
			if err := codec.NewDecoderBytes(v, structs.MsgpackHandle).Decode(&entry); err != nil {
				// A corrupt record is skipped rather than blocking the
				// whole restore.
				b.logger.Error("failed to decode persisted allocation", "key", string(k), "error", err)
				return nil
			}
			out = append(out, entry.Alloc)
			return nil
		})
	})
	return out, err
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
