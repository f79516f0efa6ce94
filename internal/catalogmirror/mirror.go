// Package catalogmirror is the edge's local read model of its
// tenant's catalog: the same StoreSnapshot shape the cloud keeps,
// kept current by catalog RPCs pushed over cloud sync. Its marketing-
// group rules feed the orders manager; the mirror is not published on
// or queried through the message bus.
package catalogmirror

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/crabpos/crab/internal/catalog"
	"github.com/crabpos/crab/internal/storage"
)

var bucketName = []byte("catalog")
var snapshotKey = []byte("snapshot")

// EnsureBuckets creates the catalog mirror's bucket; call once at
// store open alongside the order/outbox stores.
func EnsureBuckets(tx *bbolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketName)
	return err
}

// Mirror is the bbolt-backed local catalog, updated in place by
// catalog.Apply as RPCs arrive.
type Mirror struct {
	db *storage.DB
}

func New(db *storage.DB) *Mirror {
	return &Mirror{db: db}
}

// Load returns the current snapshot, or an empty one if never synced.
func (m *Mirror) Load() (catalog.StoreSnapshot, error) {
	var snap catalog.StoreSnapshot
	err := m.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get(snapshotKey)
		if raw == nil {
			snap = catalog.NewStoreSnapshot()
			return nil
		}
		return json.Unmarshal(raw, &snap)
	})
	return snap, err
}

// MgRulesForGroup returns the active marketing-group discount rules
// that apply to marketingGroup, read from the current mirror snapshot.
func (m *Mirror) MgRulesForGroup(marketingGroup string) ([]catalog.MgRule, error) {
	snap, err := m.Load()
	if err != nil {
		return nil, err
	}
	var matched []catalog.MgRule
	for _, r := range snap.MgRules {
		if r.MarketingGroup == marketingGroup {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

// ApplyOp loads the current snapshot, folds op into it via
// catalog.Apply, and persists the result.
func (m *Mirror) ApplyOp(op catalog.Op) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		var snap catalog.StoreSnapshot
		if raw := b.Get(snapshotKey); raw != nil {
			if err := json.Unmarshal(raw, &snap); err != nil {
				return err
			}
		} else {
			snap = catalog.NewStoreSnapshot()
		}
		if err := catalog.Apply(&snap, op); err != nil {
			return err
		}
		raw, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(snapshotKey, raw)
	})
}
