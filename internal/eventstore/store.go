// Package eventstore is the append-only event log store.
// Events are keyed by (order_id, sequence) inside a single bbolt
// transaction shared with the snapshot store; sequences must be
// strictly consecutive starting at 1, and nothing is ever updated or
// deleted once appended.
package eventstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/crabpos/crab/internal/apperrors"
	"github.com/crabpos/crab/internal/order"
)

// MaxEventsPerOrder bounds an order's event log at 10,000 events.
const MaxEventsPerOrder = 10_000

var rootBucket = []byte("events")

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// EnsureBuckets creates the root bucket; call once at store open.
func EnsureBuckets(tx *bbolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(rootBucket)
	return err
}

func orderBucket(tx *bbolt.Tx, orderID string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(rootBucket)
	if root == nil {
		return nil, fmt.Errorf("eventstore: root bucket not initialized")
	}
	if create {
		return root.CreateBucketIfNotExists([]byte(orderID))
	}
	return root.Bucket([]byte(orderID)), nil
}

// NextSequence returns current_last_sequence(order_id) + 1.
func NextSequence(tx *bbolt.Tx, orderID string) (uint64, error) {
	last, err := lastSequence(tx, orderID)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func lastSequence(tx *bbolt.Tx, orderID string) (uint64, error) {
	b, err := orderBucket(tx, orderID, false)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}
	c := b.Cursor()
	k, _ := c.Last()
	if k == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(k), nil
}

// AppendEvents appends events in a single write transaction, requiring
// the batch to start at current_last_sequence+1 and be strictly
// consecutive. Returns apperrors.ErrSequenceGap otherwise.
func AppendEvents(tx *bbolt.Tx, orderID string, events []order.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	last, err := lastSequence(tx, orderID)
	if err != nil {
		return err
	}
	expected := last + 1
	for _, ev := range events {
		if ev.Sequence != expected {
			return apperrors.NewOrderError("AppendEvents", apperrors.ErrSequenceGap, apperrors.KindValidation, 4090)
		}
		expected++
	}
	if last+uint64(len(events)) > MaxEventsPerOrder {
		return apperrors.NewOrderError("AppendEvents", apperrors.ErrEventLimitExceeded, apperrors.KindValidation, 4091)
	}

	b, err := orderBucket(tx, orderID, true)
	if err != nil {
		return err
	}
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(ev.Sequence), raw); err != nil {
			return err
		}
	}
	return nil
}

// LoadEvents returns every event for orderID, ascending by sequence.
func LoadEvents(tx *bbolt.Tx, orderID string) ([]order.OrderEvent, error) {
	return loadFrom(tx, orderID, 1)
}

// LoadEventsFrom returns every event for orderID with sequence >= fromSeq.
func LoadEventsFrom(tx *bbolt.Tx, orderID string, fromSeq uint64) ([]order.OrderEvent, error) {
	return loadFrom(tx, orderID, fromSeq)
}

func loadFrom(tx *bbolt.Tx, orderID string, fromSeq uint64) ([]order.OrderEvent, error) {
	b, err := orderBucket(tx, orderID, false)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, apperrors.NewOrderError("LoadEvents", apperrors.ErrOrderNotFound, apperrors.KindValidation, 4040)
	}
	var events []order.OrderEvent
	c := b.Cursor()
	for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
		var ev order.OrderEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
