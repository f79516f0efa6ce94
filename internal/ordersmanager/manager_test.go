package ordersmanager

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/crabpos/crab/internal/commands"
	"github.com/crabpos/crab/internal/eventstore"
	"github.com/crabpos/crab/internal/order"
	"github.com/crabpos/crab/internal/snapshotstore"
	"github.com/crabpos/crab/internal/storage"
)

type recordingBus struct {
	published []OrderSync
}

func (r *recordingBus) Publish(sync OrderSync) { r.published = append(r.published, sync) }

func newTestManager(t *testing.T) (*Manager, *recordingBus) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "manager.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		if err := eventstore.EnsureBuckets(tx); err != nil {
			return err
		}
		return snapshotstore.EnsureBuckets(tx)
	}))

	bus := &recordingBus{}
	return New(db, bus), bus
}

func TestExecuteRejectsCommandAgainstUnopenedOrder(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, _, err := mgr.Execute("order-1", commands.AddItems{}, commands.Metadata{CommandID: "cmd-1", Timestamp: 1})
	require.Error(t, err)
}

func TestExecuteOpensAndAppliesItems(t *testing.T) {
	mgr, bus := newTestManager(t)

	_, snap, err := mgr.Execute("order-1", commands.OpenTable{TableID: "t1", TableName: "Table 1"}, commands.Metadata{CommandID: "cmd-open", Timestamp: 1000})
	require.NoError(t, err)
	require.Equal(t, "active", string(snap.Status))

	_, snap, err = mgr.Execute("order-1", commands.AddItems{Items: []commands.NewItemRequest{
		{ProductID: "p1", Name: "Burger", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00"), TaxRate: decimal.Zero},
	}}, commands.Metadata{CommandID: "cmd-add", Timestamp: 1001})
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	require.Equal(t, "20.00", snap.Total.StringFixed(2))

	require.Len(t, bus.published, 2, "one publish per committed event across both commands")
}

func TestExecuteIsIdempotentPerCommandID(t *testing.T) {
	mgr, bus := newTestManager(t)

	meta := commands.Metadata{CommandID: "cmd-open", Timestamp: 1000}
	events1, snap1, err := mgr.Execute("order-1", commands.OpenTable{TableID: "t1", TableName: "Table 1"}, meta)
	require.NoError(t, err)

	events2, snap2, err := mgr.Execute("order-1", commands.OpenTable{TableID: "t1", TableName: "Table 1"}, meta)
	require.NoError(t, err)

	require.Equal(t, events1, events2)
	require.Equal(t, snap1, snap2)
	require.Len(t, bus.published, 1, "a replayed command_id must not publish a second time")
}

type fakeRuleSource struct {
	rules []order.MgRuleSnapshot
}

func (f fakeRuleSource) MgRulesForGroup(marketingGroup string) ([]order.MgRuleSnapshot, error) {
	return f.rules, nil
}

func TestExecuteInjectsActiveMgRulesOnLinkMember(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.SetRuleSource(fakeRuleSource{rules: []order.MgRuleSnapshot{
		{RuleID: "r1", RuleName: "Gold 10%", Percent: decimal.RequireFromString("10")},
	}})

	_, _, err := mgr.Execute("order-1", commands.OpenTable{TableID: "t1", TableName: "Table 1"}, commands.Metadata{CommandID: "cmd-open", Timestamp: 1000})
	require.NoError(t, err)

	_, snap, err := mgr.Execute("order-1", commands.AddItems{Items: []commands.NewItemRequest{
		{ProductID: "p1", Name: "Burger", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00"), TaxRate: decimal.Zero},
	}}, commands.Metadata{CommandID: "cmd-add", Timestamp: 1001})
	require.NoError(t, err)
	require.Equal(t, "10.00", snap.Total.StringFixed(2))

	_, snap, err = mgr.Execute("order-1", commands.LinkMember{MemberID: "m1", MarketingGroup: "gold"}, commands.Metadata{CommandID: "cmd-link", Timestamp: 1002})
	require.NoError(t, err)
	require.Equal(t, "gold", *snap.MarketingGroup)
	require.Len(t, snap.ActiveMgRules, 1)
	require.Equal(t, "9.00", snap.Total.StringFixed(2), "10%% MG rule discounts the existing line item")

	_, snap, err = mgr.Execute("order-1", commands.AddItems{Items: []commands.NewItemRequest{
		{ProductID: "p2", Name: "Fries", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00"), TaxRate: decimal.Zero},
	}}, commands.Metadata{CommandID: "cmd-add-2", Timestamp: 1003})
	require.NoError(t, err)
	require.Equal(t, "13.50", snap.Total.StringFixed(2), "rule linked earlier also discounts items added afterward")
}
