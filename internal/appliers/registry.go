// Package appliers holds the event-applier registry: one pure function
// per event type that mutates a snapshot in place. Every applier
// follows the same contract: apply semantics, set LastSequence/
// UpdatedAt, recalculate totals when money-relevant state changed, and
// update the checksum last.
package appliers

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/google/uuid"

	"github.com/crabpos/crab/internal/money"
	"github.com/crabpos/crab/internal/order"
)

// Applier mutates snapshot in place to reflect event. Appliers are
// total functions over validated payloads: a decode error here is a
// bug, not a recoverable condition.
type Applier func(snapshot *order.OrderSnapshot, event order.OrderEvent) error

// Registry dispatches by event type: a closed table, not an
// open-ended interface hierarchy.
var Registry = map[order.EventType]Applier{
	order.EventTableOpened:             applyTableOpened,
	order.EventOpenRetail:              applyOpenRetail,
	order.EventItemsAdded:              applyItemsAdded,
	order.EventItemsRemoved:            applyItemsRemoved,
	order.EventItemCompApplied:         applyItemCompApplied,
	order.EventItemUncomped:            applyItemUncomped,
	order.EventItemNoteAdded:           applyItemNoteAdded,
	order.EventOrderNoteAdded:          applyOrderNoteAdded,
	order.EventPaymentAdded:            applyPaymentAdded,
	order.EventPaymentCancelled:        applyPaymentCancelled,
	order.EventOrderCompleted:          applyOrderCompleted,
	order.EventOrderVoided:             applyOrderVoided,
	order.EventOrderRestored:           applyOrderRestored,
	order.EventTableReassigned:         applyTableReassigned,
	order.EventMemberLinked:            applyMemberLinked,
	order.EventMemberUnlinked:          applyMemberUnlinked,
	order.EventRuleSkipToggled:         applyRuleSkipToggled,
	order.EventStampRedemptionApplied:  applyStampRedemptionApplied,
	order.EventStampRedemptionCancelled: applyStampRedemptionCancelled,
}

// Apply looks up and runs the applier for event.EventType.
func Apply(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	fn, ok := Registry[event.EventType]
	if !ok {
		return fmt.Errorf("appliers: no applier registered for event type %q", event.EventType)
	}
	return fn(snapshot, event)
}

// finish is the shared tail every applier calls: set bookkeeping
// fields and the checksum. Callers that changed money-relevant state
// must call money.RecalculateTotals themselves before finish.
func finish(snapshot *order.OrderSnapshot, event order.OrderEvent) {
	snapshot.LastSequence = event.Sequence
	snapshot.UpdatedAt = event.Timestamp
	snapshot.UpdateChecksum()
}

func decode[T any](event order.OrderEvent) (T, error) {
	var payload T
	err := json.Unmarshal(event.Payload, &payload)
	return payload, err
}

func applyTableOpened(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.TableOpenedPayload](event)
	if err != nil {
		return err
	}
	snapshot.TableID = &payload.TableID
	snapshot.TableName = &payload.TableName
	snapshot.ZoneName = payload.ZoneName
	snapshot.GuestCount = payload.GuestCount
	snapshot.ReceiptNumber = payload.ReceiptNumber
	snapshot.Status = order.StatusActive
	snapshot.StartTime = event.Timestamp
	finish(snapshot, event)
	return nil
}

func applyOpenRetail(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.OpenRetailPayload](event)
	if err != nil {
		return err
	}
	snapshot.IsRetail = true
	snapshot.ReceiptNumber = payload.ReceiptNumber
	snapshot.Status = order.StatusActive
	snapshot.StartTime = event.Timestamp
	finish(snapshot, event)
	return nil
}

func applyItemsAdded(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.ItemsAddedPayload](event)
	if err != nil {
		return err
	}
	for _, item := range payload.Items {
		unitPrice, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return fmt.Errorf("appliers: ItemsAdded unit_price: %w", err)
		}
		taxRate, err := decimal.NewFromString(item.TaxRate)
		if err != nil {
			return fmt.Errorf("appliers: ItemsAdded tax_rate: %w", err)
		}
		instanceID := item.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		// original_price is the pre-discount, pre-comp list price at
		// the moment the item was added; it is never overwritten.
		snapshot.Items = append(snapshot.Items, order.CartItemSnapshot{
			InstanceID:    instanceID,
			ProductID:     item.ProductID,
			Name:          item.Name,
			Quantity:      item.Quantity,
			OriginalPrice: unitPrice,
			TaxRate:       taxRate,
		})
	}
	applyMgRules(snapshot)
	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

func applyItemsRemoved(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.ItemsRemovedPayload](event)
	if err != nil {
		return err
	}
	idx := findItem(snapshot, payload.InstanceID)
	if idx < 0 {
		return fmt.Errorf("appliers: ItemsRemoved: instance %s not found", payload.InstanceID)
	}
	paid := snapshot.PaidItemQuantities[payload.InstanceID]
	if payload.NewQuantity < paid {
		return fmt.Errorf("appliers: ItemsRemoved: %w", fmt.Errorf("paid quantity %d exceeds new quantity %d", paid, payload.NewQuantity))
	}
	if payload.NewQuantity <= 0 {
		snapshot.Items = append(snapshot.Items[:idx], snapshot.Items[idx+1:]...)
	} else {
		snapshot.Items[idx].Quantity = payload.NewQuantity
	}
	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

func applyItemCompApplied(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.ItemCompAppliedPayload](event)
	if err != nil {
		return err
	}
	idx := findItem(snapshot, payload.InstanceID)
	if idx < 0 {
		return fmt.Errorf("appliers: ItemCompApplied: instance %s not found", payload.InstanceID)
	}
	source := &snapshot.Items[idx]

	var compInstanceID string
	var sourceInstanceID string
	if payload.Quantity < source.Quantity {
		// Partial comp: split the source item, comp the new instance.
		remaining := source.Quantity - payload.Quantity
		compItem := *source
		compItem.InstanceID = payload.NewInstanceID
		compItem.Quantity = payload.Quantity
		compItem.IsComped = true
		source.Quantity = remaining
		snapshot.Items = append(snapshot.Items, compItem)
		compInstanceID = compItem.InstanceID
		sourceInstanceID = payload.InstanceID
	} else {
		source.IsComped = true
		compInstanceID = payload.InstanceID
	}

	target := &snapshot.Items[findItem(snapshot, compInstanceID)]
	snapshot.Comps = append(snapshot.Comps, order.CompRecord{
		CompID:           payload.CompID,
		InstanceID:       compInstanceID,
		SourceInstanceID: sourceInstanceID,
		ItemName:         target.Name,
		Quantity:         payload.Quantity,
		OriginalPrice:    target.OriginalPrice,
		Reason:           payload.Reason,
		AuthorizerID:     payload.AuthorizerID,
		AuthorizerName:   payload.AuthorizerName,
		Timestamp:        event.Timestamp,
	})

	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

func applyItemUncomped(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.ItemUncompedPayload](event)
	if err != nil {
		return err
	}
	compIdx := -1
	for i, c := range snapshot.Comps {
		if c.InstanceID == payload.InstanceID {
			compIdx = i
			break
		}
	}
	if compIdx < 0 {
		return fmt.Errorf("appliers: ItemUncomped: no comp record for instance %s", payload.InstanceID)
	}
	comp := snapshot.Comps[compIdx]
	snapshot.Comps = append(snapshot.Comps[:compIdx], snapshot.Comps[compIdx+1:]...)

	itemIdx := findItem(snapshot, payload.InstanceID)
	if itemIdx < 0 {
		return fmt.Errorf("appliers: ItemUncomped: instance %s not found", payload.InstanceID)
	}

	if comp.SourceInstanceID != "" {
		// Comp was a split: merge the comped instance back into the source.
		sourceIdx := findItem(snapshot, comp.SourceInstanceID)
		if sourceIdx >= 0 {
			snapshot.Items[sourceIdx].Quantity += snapshot.Items[itemIdx].Quantity
		}
		snapshot.Items = append(snapshot.Items[:itemIdx], snapshot.Items[itemIdx+1:]...)
	} else {
		snapshot.Items[itemIdx].IsComped = false
	}

	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

func applyItemNoteAdded(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.ItemNoteAddedPayload](event)
	if err != nil {
		return err
	}
	idx := findItem(snapshot, payload.InstanceID)
	if idx < 0 {
		return fmt.Errorf("appliers: ItemNoteAdded: instance %s not found", payload.InstanceID)
	}
	snapshot.Items[idx].Note = payload.Note
	finish(snapshot, event)
	return nil
}

func applyOrderNoteAdded(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.OrderNoteAddedPayload](event)
	if err != nil {
		return err
	}
	snapshot.Note = payload.Note
	finish(snapshot, event)
	return nil
}

func applyPaymentAdded(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.PaymentAddedPayload](event)
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return fmt.Errorf("appliers: PaymentAdded amount: %w", err)
	}
	record := order.PaymentRecord{
		PaymentID: payload.PaymentID,
		Method:    payload.Method,
		Amount:    amount,
		Note:      payload.Note,
		Timestamp: event.Timestamp,
		Split:     payload.Split,
	}
	if payload.Tendered != nil {
		t, err := decimal.NewFromString(*payload.Tendered)
		if err != nil {
			return fmt.Errorf("appliers: PaymentAdded tendered: %w", err)
		}
		record.Tendered = &t
	}
	if payload.Change != nil {
		c, err := decimal.NewFromString(*payload.Change)
		if err != nil {
			return fmt.Errorf("appliers: PaymentAdded change: %w", err)
		}
		record.Change = &c
	}
	snapshot.Payments = append(snapshot.Payments, record)
	money.RecalculateTotals(snapshot)

	if money.IsSufficient(snapshot.PaidAmount, snapshot.Total) {
		for i := range snapshot.Items {
			snapshot.PaidItemQuantities[snapshot.Items[i].InstanceID] = snapshot.Items[i].Quantity
		}
		money.RecalculateTotals(snapshot)
	}

	finish(snapshot, event)
	return nil
}

func applyPaymentCancelled(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.PaymentCancelledPayload](event)
	if err != nil {
		return err
	}
	found := false
	for i := range snapshot.Payments {
		if snapshot.Payments[i].PaymentID == payload.PaymentID {
			snapshot.Payments[i].Cancelled = true
			snapshot.Payments[i].CancelReason = payload.Reason
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("appliers: PaymentCancelled: payment %s not found", payload.PaymentID)
	}
	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

func applyOrderCompleted(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.OrderCompletedPayload](event)
	if err != nil {
		return err
	}
	snapshot.Status = order.StatusCompleted
	snapshot.ReceiptNumber = &payload.ReceiptNumber
	snapshot.EndTime = event.Timestamp
	for i := range snapshot.Items {
		snapshot.PaidItemQuantities[snapshot.Items[i].InstanceID] = snapshot.Items[i].Quantity
	}
	money.RecalculateTotals(snapshot)
	money.SettleCompletionResidue(snapshot)
	finish(snapshot, event)
	return nil
}

func applyOrderVoided(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.OrderVoidedPayload](event)
	if err != nil {
		return err
	}
	snapshot.Status = order.StatusVoid
	vt := payload.VoidType
	snapshot.VoidType = &vt
	snapshot.VoidReason = payload.Reason
	snapshot.EndTime = event.Timestamp
	finish(snapshot, event)
	return nil
}

func applyOrderRestored(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	if snapshot.Status != order.StatusVoid {
		return fmt.Errorf("appliers: OrderRestored: order not void")
	}
	snapshot.Status = order.StatusActive
	snapshot.EndTime = 0
	snapshot.VoidType = nil
	snapshot.VoidReason = ""
	finish(snapshot, event)
	return nil
}

func applyTableReassigned(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.TableReassignedPayload](event)
	if err != nil {
		return err
	}
	snapshot.TableID = &payload.TableID
	snapshot.TableName = &payload.TableName
	if payload.ZoneName != nil {
		snapshot.ZoneName = payload.ZoneName
	}
	finish(snapshot, event)
	return nil
}

func applyMemberLinked(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.MemberLinkedPayload](event)
	if err != nil {
		return err
	}
	snapshot.MemberID = &payload.MemberID
	snapshot.MarketingGroup = &payload.MarketingGroup
	snapshot.ActiveMgRules = payload.Rules
	applyMgRules(snapshot)
	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

func applyMemberUnlinked(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	snapshot.MemberID = nil
	snapshot.MarketingGroup = nil
	snapshot.ActiveMgRules = nil
	applyMgRules(snapshot)
	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

// applyMgRules rebuilds every item's AppliedRules from
// snapshot.ActiveMgRules, preserving the Skipped flag of any rule
// already present on that item. It runs on MemberLinked,
// MemberUnlinked and ItemsAdded, so a rule linked at MemberLinked time
// also reaches items added afterward.
func applyMgRules(snapshot *order.OrderSnapshot) {
	for i := range snapshot.Items {
		item := &snapshot.Items[i]
		skipped := make(map[string]bool, len(item.AppliedRules))
		for _, r := range item.AppliedRules {
			skipped[r.RuleID] = r.Skipped
		}
		var applied []order.AppliedRule
		for _, rule := range snapshot.ActiveMgRules {
			if !rule.Matches(item.ProductID) {
				continue
			}
			applied = append(applied, order.AppliedRule{
				RuleID:   rule.RuleID,
				RuleName: rule.RuleName,
				Percent:  rule.Percent,
				Skipped:  skipped[rule.RuleID],
			})
		}
		item.AppliedRules = applied
	}
}

func applyRuleSkipToggled(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.RuleSkipToggledPayload](event)
	if err != nil {
		return err
	}
	for i := range snapshot.Items {
		for j := range snapshot.Items[i].AppliedRules {
			if snapshot.Items[i].AppliedRules[j].RuleID == payload.RuleID {
				snapshot.Items[i].AppliedRules[j].Skipped = payload.Skipped
			}
		}
	}
	// Totals arrive precomputed in the event payload and overwrite
	// whatever recalculation would otherwise produce.
	for _, pair := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&snapshot.Subtotal, payload.Subtotal},
		{&snapshot.Discount, payload.Discount},
		{&snapshot.Surcharge, payload.Surcharge},
		{&snapshot.Tax, payload.Tax},
		{&snapshot.Total, payload.Total},
	} {
		v, err := decimal.NewFromString(pair.src)
		if err != nil {
			return fmt.Errorf("appliers: RuleSkipToggled: %w", err)
		}
		*pair.dst = money.TwoDP(v)
	}
	finish(snapshot, event)
	return nil
}

func applyStampRedemptionApplied(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.StampRedemptionAppliedPayload](event)
	if err != nil {
		return err
	}
	snapshot.Items = append(snapshot.Items, order.CartItemSnapshot{
		InstanceID:    payload.InstanceID,
		ProductID:     payload.ProductID,
		Name:          payload.Name,
		Quantity:      1,
		OriginalPrice: decimal.Zero,
		IsComped:      true,
	})
	snapshot.StampRedemptions = append(snapshot.StampRedemptions, order.StampRedemption{
		RedemptionID: payload.RedemptionID,
		CardID:       payload.CardID,
		InstanceID:   payload.InstanceID,
	})
	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

func applyStampRedemptionCancelled(snapshot *order.OrderSnapshot, event order.OrderEvent) error {
	payload, err := decode[order.StampRedemptionCancelledPayload](event)
	if err != nil {
		return err
	}
	redIdx := -1
	for i, r := range snapshot.StampRedemptions {
		if r.RedemptionID == payload.RedemptionID {
			redIdx = i
			break
		}
	}
	if redIdx < 0 {
		return fmt.Errorf("appliers: StampRedemptionCancelled: redemption %s not found", payload.RedemptionID)
	}
	red := snapshot.StampRedemptions[redIdx]
	snapshot.StampRedemptions = append(snapshot.StampRedemptions[:redIdx], snapshot.StampRedemptions[redIdx+1:]...)
	if itemIdx := findItem(snapshot, red.InstanceID); itemIdx >= 0 {
		snapshot.Items = append(snapshot.Items[:itemIdx], snapshot.Items[itemIdx+1:]...)
	}
	money.RecalculateTotals(snapshot)
	finish(snapshot, event)
	return nil
}

func findItem(snapshot *order.OrderSnapshot, instanceID string) int {
	for i := range snapshot.Items {
		if snapshot.Items[i].InstanceID == instanceID {
			return i
		}
	}
	return -1
}
