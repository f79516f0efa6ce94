// Package commands holds the command registry: one pure handler per
// operator intent. A handler reads the current snapshot, validates
// against it, and synthesizes events — it never touches disk, never
// broadcasts, and never calls an applier directly.
package commands

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/crabpos/crab/internal/apperrors"
	"github.com/crabpos/crab/internal/money"
	"github.com/crabpos/crab/internal/order"
)

// Metadata carries the caller identity and allocation inputs common to
// every command, supplied by the orders manager.
type Metadata struct {
	CommandID    string
	OperatorID   string
	OperatorName string
	Timestamp    int64
}

// Context exposes the current snapshot (read-only from the handler's
// point of view) and allocates sequence numbers for the events a
// handler is about to synthesize.
type Context struct {
	OrderID  string
	Snapshot *order.OrderSnapshot // nil only for OpenTable/OpenRetail against a brand-new order id
	nextSeq  uint64
}

// NewContext builds a Context for OrderID, whose next allocated
// sequence is lastSequence+1.
func NewContext(orderID string, snapshot *order.OrderSnapshot, lastSequence uint64) *Context {
	return &Context{OrderID: orderID, Snapshot: snapshot, nextSeq: lastSequence + 1}
}

func (c *Context) allocSequence() uint64 {
	seq := c.nextSeq
	c.nextSeq++
	return seq
}

// Command is one operator intent, translated into zero or more events
// against the snapshot visible through ctx.
type Command interface {
	Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error)
}

func newEvent(ctx *Context, meta Metadata, evType order.EventType, payload any) (order.OrderEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return order.OrderEvent{}, err
	}
	return order.OrderEvent{
		EventID:      uuid.NewString(),
		Sequence:     ctx.allocSequence(),
		OrderID:      ctx.OrderID,
		Timestamp:    meta.Timestamp,
		OperatorID:   meta.OperatorID,
		OperatorName: meta.OperatorName,
		CommandID:    meta.CommandID,
		EventType:    evType,
		Payload:      raw,
	}, nil
}

// --- universal rules ---

func requireActive(op string, snap *order.OrderSnapshot) error {
	if snap == nil || snap.Status != order.StatusActive {
		return apperrors.NewOrderError(op, apperrors.ErrOrderNotActive, apperrors.KindValidation, 4003)
	}
	return nil
}

func requireVoid(op string, snap *order.OrderSnapshot) error {
	if snap == nil || snap.Status != order.StatusVoid {
		return apperrors.NewOrderError(op, apperrors.ErrOrderAlreadyVoided, apperrors.KindValidation, 4002)
	}
	return nil
}

// requireNoSplit rejects commands that alter money or membership while
// an AA or amount split is active, except when exempt is true (the
// command is itself part of the split protocol).
func requireNoSplit(op string, snap *order.OrderSnapshot, exempt bool) error {
	if exempt {
		return nil
	}
	if snap.AATotalShares != nil {
		return apperrors.NewOrderError(op, apperrors.ErrAaSplitActive, apperrors.KindValidation, 4004)
	}
	if snap.HasAmountSplit {
		return apperrors.NewOrderError(op, apperrors.ErrAmountSplitActive, apperrors.KindValidation, 4005)
	}
	return nil
}

// validateText rejects text fields that are over-length after trimming
// or contain a control character other than newline and tab; empty
// text is accepted.
func validateText(op, field, value string, maxLen int) error {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) > maxLen {
		return apperrors.InvalidOperation(op, "field_too_long", field+" exceeds "+itoa(maxLen)+" characters")
	}
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return apperrors.InvalidOperation(op, "invalid_character", field+" contains a control character")
		}
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func findItem(snap *order.OrderSnapshot, instanceID string) (*order.CartItemSnapshot, bool) {
	for i := range snap.Items {
		if snap.Items[i].InstanceID == instanceID {
			return &snap.Items[i], true
		}
	}
	return nil, false
}

// previewRuleSkipTotals clones snap, applies a mutation describing a
// RuleSkipToggled's new rule-skip state, recalculates, and returns the
// decimal-string totals the event payload embeds (spec: "totals arrive
// in event payload and overwrite").
func previewRuleSkipTotals(snap *order.OrderSnapshot, ruleID string, skipped bool) order.RuleSkipToggledPayload {
	clone := snap.Clone()
	for i := range clone.Items {
		for j := range clone.Items[i].AppliedRules {
			if clone.Items[i].AppliedRules[j].RuleID == ruleID {
				clone.Items[i].AppliedRules[j].Skipped = skipped
			}
		}
	}
	money.RecalculateTotals(clone)
	return order.RuleSkipToggledPayload{
		RuleID:    ruleID,
		Skipped:   skipped,
		Subtotal:  clone.Subtotal.String(),
		Discount:  clone.Discount.String(),
		Surcharge: clone.Surcharge.String(),
		Tax:       clone.Tax.String(),
		Total:     clone.Total.String(),
	}
}
