// Package snapshotstore is the materialized-view store for
// OrderSnapshot. Writes happen only inside the same
// transaction as an eventstore.AppendEvents call, so a snapshot and
// the events that produced it are always consistent on disk.
package snapshotstore

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/crabpos/crab/internal/order"
)

var bucketName = []byte("snapshots")

// EnsureBuckets creates the snapshot bucket; call once at store open.
func EnsureBuckets(tx *bbolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketName)
	return err
}

// StoreSnapshot persists snapshot, replacing any prior value for its OrderID.
func StoreSnapshot(tx *bbolt.Tx, snapshot *order.OrderSnapshot) error {
	b := tx.Bucket(bucketName)
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return b.Put([]byte(snapshot.OrderID), raw)
}

// LoadSnapshot returns the current snapshot for orderID, or nil if none exists.
func LoadSnapshot(tx *bbolt.Tx, orderID string) (*order.OrderSnapshot, error) {
	b := tx.Bucket(bucketName)
	raw := b.Get([]byte(orderID))
	if raw == nil {
		return nil, nil
	}
	var snap order.OrderSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListActive returns every snapshot currently in Active status, used to
// rebuild the cloud's live-orders view and to seed a console's initial
// Ready message.
func ListActive(tx *bbolt.Tx) ([]*order.OrderSnapshot, error) {
	b := tx.Bucket(bucketName)
	var out []*order.OrderSnapshot
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var snap order.OrderSnapshot
		if err := json.Unmarshal(v, &snap); err != nil {
			return nil, err
		}
		if snap.Status == order.StatusActive {
			out = append(out, &snap)
		}
	}
	return out, nil
}
