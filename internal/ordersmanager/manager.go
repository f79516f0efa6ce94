// Package ordersmanager is the single-writer actor fronting the event
// log and snapshot store for every order. All command execution for a
// given embedded store goes through one Manager, so a command's event
// append and snapshot write always land in the same transaction and
// readers never observe partial state.
package ordersmanager

import (
	"sync"

	"go.etcd.io/bbolt"

	"github.com/crabpos/crab/internal/appliers"
	"github.com/crabpos/crab/internal/apperrors"
	"github.com/crabpos/crab/internal/commands"
	"github.com/crabpos/crab/internal/eventstore"
	"github.com/crabpos/crab/internal/order"
	"github.com/crabpos/crab/internal/snapshotstore"
	"github.com/crabpos/crab/internal/storage"
)

// idempotencyWindow bounds how many recent command_ids per order the
// manager remembers; a duplicate command_id beyond this window is
// treated as new (acceptable: retries are expected within seconds, not
// after thousands of intervening commands).
const idempotencyWindow = 64

// OrderSync is what the manager publishes after each committed event:
// server authority, no client-side reducer expected downstream.
type OrderSync struct {
	Event    order.OrderEvent
	Snapshot *order.OrderSnapshot
}

// Broadcaster fans OrderSync payloads out to the message bus. Kept as
// an interface so the manager doesn't depend on the bus's transport
// details.
type Broadcaster interface {
	Publish(sync OrderSync)
}

// RuleSource supplies the marketing-group discount rules active for a
// group at the moment a member is linked. Kept as an interface so the
// manager doesn't depend on the catalog mirror's storage details.
type RuleSource interface {
	MgRulesForGroup(marketingGroup string) ([]order.MgRuleSnapshot, error)
}

type idemEntry struct {
	commandID string
	events    []order.OrderEvent
	snapshot  *order.OrderSnapshot
}

// Manager is the actor. It is safe for concurrent use; Execute serializes
// internally via the embedded store's write-transaction lock, so a
// process needs only one Manager per store.
type Manager struct {
	db    *storage.DB
	bus   Broadcaster
	rules RuleSource

	mu          sync.Mutex
	idempotency map[string][]idemEntry
}

func New(db *storage.DB, bus Broadcaster) *Manager {
	return &Manager{db: db, bus: bus, idempotency: make(map[string][]idemEntry)}
}

// SetRuleSource wires the catalog's marketing-group rule lookup used
// to populate commands.LinkMember.ActiveRules. Optional: a Manager
// with no rule source links members without applying any MG discount.
func (m *Manager) SetRuleSource(rules RuleSource) {
	m.rules = rules
}

// Execute runs cmd against orderID's current snapshot and returns the
// events it produced and the snapshot they were applied to. A repeat
// of the same (orderID, command_id) returns the original result
// without re-running the handler or appliers.
func (m *Manager) Execute(orderID string, cmd commands.Command, meta commands.Metadata) ([]order.OrderEvent, *order.OrderSnapshot, error) {
	if meta.CommandID != "" {
		if cached, ok := m.lookupIdempotent(orderID, meta.CommandID); ok {
			return cached.events, cached.snapshot, nil
		}
	}

	var events []order.OrderEvent
	var snap *order.OrderSnapshot

	err := m.db.Update(func(tx *bbolt.Tx) error {
		loaded, err := snapshotstore.LoadSnapshot(tx, orderID)
		if err != nil {
			return err
		}
		if loaded == nil {
			if !isOpener(cmd) {
				return apperrors.NewOrderError("Execute", apperrors.ErrOrderNotFound, apperrors.KindValidation, 4040)
			}
			loaded = order.NewEmptySnapshot(orderID, meta.Timestamp)
		}

		if lm, ok := cmd.(commands.LinkMember); ok && m.rules != nil {
			rules, err := m.rules.MgRulesForGroup(lm.MarketingGroup)
			if err != nil {
				return err
			}
			lm.ActiveRules = rules
			cmd = lm
		}

		ctx := commands.NewContext(orderID, loaded, loaded.LastSequence)
		evs, err := cmd.Handle(ctx, meta)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := appliers.Apply(loaded, ev); err != nil {
				return err
			}
		}
		if len(evs) > 0 {
			if err := eventstore.AppendEvents(tx, orderID, evs); err != nil {
				return err
			}
		}
		if err := snapshotstore.StoreSnapshot(tx, loaded); err != nil {
			return err
		}
		events = evs
		snap = loaded
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if meta.CommandID != "" {
		m.rememberIdempotent(orderID, meta.CommandID, events, snap)
	}

	if m.bus != nil {
		for _, ev := range events {
			m.bus.Publish(OrderSync{Event: ev, Snapshot: snap.Clone()})
		}
	}

	return events, snap, nil
}

// Snapshot returns the current snapshot for orderID without running
// any command, or nil if the order has no events.
func (m *Manager) Snapshot(orderID string) (*order.OrderSnapshot, error) {
	var snap *order.OrderSnapshot
	err := m.db.View(func(tx *bbolt.Tx) error {
		loaded, err := snapshotstore.LoadSnapshot(tx, orderID)
		if err != nil {
			return err
		}
		snap = loaded
		return nil
	})
	return snap, err
}

// ActiveOrders returns every order currently in Active status, used to
// seed the cloud's live-orders view and a freshly connected console.
func (m *Manager) ActiveOrders() ([]*order.OrderSnapshot, error) {
	var snaps []*order.OrderSnapshot
	err := m.db.View(func(tx *bbolt.Tx) error {
		loaded, err := snapshotstore.ListActive(tx)
		if err != nil {
			return err
		}
		snaps = loaded
		return nil
	})
	return snaps, err
}

func isOpener(cmd commands.Command) bool {
	switch cmd.(type) {
	case commands.OpenTable, commands.OpenRetail:
		return true
	default:
		return false
	}
}

func (m *Manager) lookupIdempotent(orderID, commandID string) (idemEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.idempotency[orderID] {
		if e.commandID == commandID {
			return e, true
		}
	}
	return idemEntry{}, false
}

func (m *Manager) rememberIdempotent(orderID, commandID string, events []order.OrderEvent, snap *order.OrderSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.idempotency[orderID]
	entries = append(entries, idemEntry{commandID: commandID, events: events, snapshot: snap})
	if len(entries) > idempotencyWindow {
		entries = entries[len(entries)-idempotencyWindow:]
	}
	m.idempotency[orderID] = entries
}
