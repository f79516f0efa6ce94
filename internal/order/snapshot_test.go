package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeChecksumStableForIdenticalState(t *testing.T) {
	snap := NewEmptySnapshot("order-1", 1000)
	snap.Total = decimal.RequireFromString("12.50")
	snap.PaidAmount = decimal.RequireFromString("12.50")
	snap.LastSequence = 3
	snap.Status = StatusActive

	a := ComputeChecksum(snap)
	b := ComputeChecksum(snap)
	assert.Equal(t, a, b)
}

func TestComputeChecksumChangesWithTotal(t *testing.T) {
	snap := NewEmptySnapshot("order-1", 1000)
	snap.Total = decimal.RequireFromString("12.50")
	snap.LastSequence = 3

	before := ComputeChecksum(snap)
	snap.Total = decimal.RequireFromString("13.50")
	after := ComputeChecksum(snap)

	assert.NotEqual(t, before, after)
}

func TestComputeChecksumIgnoresPennyRoundingNoise(t *testing.T) {
	snap := NewEmptySnapshot("order-1", 1000)
	snap.Total = decimal.RequireFromString("12.5001")
	snap.LastSequence = 3

	a := ComputeChecksum(snap)
	snap.Total = decimal.RequireFromString("12.5004")
	b := ComputeChecksum(snap)

	assert.Equal(t, a, b, "checksum rounds total to whole cents before hashing")
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	snap := NewEmptySnapshot("order-1", 1000)
	snap.Items = append(snap.Items, CartItemSnapshot{InstanceID: "i1", Quantity: 1})
	snap.PaidItemQuantities["i1"] = 1

	clone := snap.Clone()
	clone.Items[0].Quantity = 5
	clone.PaidItemQuantities["i1"] = 9

	assert.Equal(t, 1, snap.Items[0].Quantity)
	assert.Equal(t, 1, snap.PaidItemQuantities["i1"])
}
