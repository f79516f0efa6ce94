// Package outbox is the edge's durable queue of resource changes
// awaiting cloud sync: every order event the edge commits locally
// also appends the order's snapshot as a CloudSyncItem here, in the same
// storage.DB as the event log, so a crash between "committed locally"
// and "synced to cloud" is never silent data loss — the item is still
// in the outbox on restart.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/crabpos/crab/internal/cloudsync/protocol"
	"github.com/crabpos/crab/internal/storage"
)

var (
	itemsBucket   = []byte("outbox_items")
	cursorsBucket = []byte("outbox_cursors")
	versionBucket = []byte("outbox_versions")
)

// EnsureBuckets creates the outbox's buckets; call once at store open
// alongside eventstore.EnsureBuckets and snapshotstore.EnsureBuckets.
func EnsureBuckets(tx *bbolt.Tx) error {
	if _, err := tx.CreateBucketIfNotExists(itemsBucket); err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists(cursorsBucket); err != nil {
		return err
	}
	_, err := tx.CreateBucketIfNotExists(versionBucket)
	return err
}

// Store is the bbolt-backed Outbox the cloudsync client drains.
type Store struct {
	db *storage.DB
}

func New(db *storage.DB) *Store {
	return &Store{db: db}
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Append records a resource change for later sync. The item's Version
// is assigned from resource's own monotonic counter — shared across
// every resource_id of that resource type — since Welcome.Cursors and
// MarkAcked track a single high-watermark per resource category, not
// per entity; an order's internal event sequence (which restarts at 1
// for every order) cannot serve as that watermark.
func (s *Store) Append(resource, resourceID, action string, data json.RawMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		version, err := nextVersion(tx, resource)
		if err != nil {
			return err
		}
		item := protocol.CloudSyncItem{
			Resource:   resource,
			ResourceID: resourceID,
			Version:    version,
			Action:     action,
			Data:       data,
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("outbox: marshal item: %w", err)
		}
		b := tx.Bucket(itemsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), raw)
	})
}

func nextVersion(tx *bbolt.Tx, resource string) (uint64, error) {
	b := tx.Bucket(versionBucket)
	var current uint64
	if raw := b.Get([]byte(resource)); raw != nil {
		current = binary.BigEndian.Uint64(raw)
	}
	current++
	return current, b.Put([]byte(resource), seqKey(current))
}

// Pending returns outbox items past both cursors[resource] and the
// resource's own acked watermark (see MarkAcked), ascending by
// insertion order, capped at 2000 per call — the cloudsync client
// further chunks this into its own batch-size limit.
func (s *Store) Pending(ctx context.Context, cursors map[string]uint64) ([]protocol.CloudSyncItem, error) {
	const maxReturn = 2000
	var out []protocol.CloudSyncItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		acked := tx.Bucket(cursorsBucket)
		b := tx.Bucket(itemsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(out) < maxReturn; k, v = c.Next() {
			var item protocol.CloudSyncItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("outbox: unmarshal item: %w", err)
			}
			cursor := cursors[item.Resource]
			if raw := acked.Get([]byte(item.Resource)); raw != nil {
				if v := binary.BigEndian.Uint64(raw); v > cursor {
					cursor = v
				}
			}
			if item.Version <= cursor {
				continue
			}
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// MarkAcked advances resource's cursor to version once the cloud has
// confirmed the batch containing it; future Pending calls skip
// anything at or below this version for that resource.
func (s *Store) MarkAcked(ctx context.Context, resource, resourceID string, version uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cursorsBucket)
		var current uint64
		if raw := b.Get([]byte(resource)); raw != nil {
			current = binary.BigEndian.Uint64(raw)
		}
		if version <= current {
			return nil
		}
		return b.Put([]byte(resource), seqKey(version))
	})
}

// Cursors returns the current per-resource acked watermark, used to
// seed a fresh cloudsync session's Welcome.Cursors.
func (s *Store) Cursors(tx *bbolt.Tx) (map[string]uint64, error) {
	b := tx.Bucket(cursorsBucket)
	out := make(map[string]uint64)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		out[string(k)] = binary.BigEndian.Uint64(v)
	}
	return out, nil
}
