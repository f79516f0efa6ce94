package commands

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crabpos/crab/internal/apperrors"
	"github.com/crabpos/crab/internal/money"
	"github.com/crabpos/crab/internal/order"
)

// NewItemRequest is the caller-facing shape for one line to add;
// AddItems converts it into order.NewItem with decimal amounts
// rendered as strings for the event payload.
type NewItemRequest struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	TaxRate   decimal.Decimal
}

// OpenTable opens a dine-in order against a table.
type OpenTable struct {
	TableID       string
	TableName     string
	ZoneName      *string
	GuestCount    *int
	ReceiptNumber *string
}

func (c OpenTable) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if ctx.Snapshot != nil && ctx.Snapshot.LastSequence != 0 {
		return nil, apperrors.InvalidOperation("OpenTable", "already_open", "order already has events")
	}
	if err := validateText("OpenTable", "table_name", c.TableName, 80); err != nil {
		return nil, err
	}
	ev, err := newEvent(ctx, meta, order.EventTableOpened, order.TableOpenedPayload{
		TableID:       c.TableID,
		TableName:     c.TableName,
		ZoneName:      c.ZoneName,
		GuestCount:    c.GuestCount,
		ReceiptNumber: c.ReceiptNumber,
	})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// OpenRetail opens a counter-service (non-table) order.
type OpenRetail struct {
	ReceiptNumber *string
}

func (c OpenRetail) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if ctx.Snapshot != nil && ctx.Snapshot.LastSequence != 0 {
		return nil, apperrors.InvalidOperation("OpenRetail", "already_open", "order already has events")
	}
	ev, err := newEvent(ctx, meta, order.EventOpenRetail, order.OpenRetailPayload{ReceiptNumber: c.ReceiptNumber})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// AddItems appends one or more line items to an active order.
type AddItems struct {
	Items []NewItemRequest
}

func (c AddItems) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("AddItems", ctx.Snapshot); err != nil {
		return nil, err
	}
	if err := requireNoSplit("AddItems", ctx.Snapshot, false); err != nil {
		return nil, err
	}
	if len(c.Items) == 0 {
		return nil, apperrors.InvalidOperation("AddItems", "empty_batch", "no items supplied")
	}
	items := make([]order.NewItem, 0, len(c.Items))
	for _, req := range c.Items {
		if req.Quantity < 1 {
			return nil, apperrors.NewOrderError("AddItems", apperrors.ErrInvalidQuantity, apperrors.KindValidation, 4010)
		}
		if err := validateText("AddItems", "name", req.Name, 120); err != nil {
			return nil, err
		}
		items = append(items, order.NewItem{
			InstanceID: uuid.NewString(),
			ProductID:  req.ProductID,
			Name:       req.Name,
			Quantity:   req.Quantity,
			UnitPrice:  req.UnitPrice.String(),
			TaxRate:    req.TaxRate.String(),
		})
	}
	ev, err := newEvent(ctx, meta, order.EventItemsAdded, order.ItemsAddedPayload{Items: items})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// RemoveItems reduces (or drops) one line item's quantity.
type RemoveItems struct {
	InstanceID  string
	NewQuantity int
}

func (c RemoveItems) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("RemoveItems", ctx.Snapshot); err != nil {
		return nil, err
	}
	if err := requireNoSplit("RemoveItems", ctx.Snapshot, false); err != nil {
		return nil, err
	}
	if c.NewQuantity < 0 {
		return nil, apperrors.NewOrderError("RemoveItems", apperrors.ErrInvalidQuantity, apperrors.KindValidation, 4011)
	}
	item, ok := findItem(ctx.Snapshot, c.InstanceID)
	if !ok {
		return nil, apperrors.InvalidOperation("RemoveItems", "item_not_found", c.InstanceID)
	}
	paid := ctx.Snapshot.PaidItemQuantities[c.InstanceID]
	if c.NewQuantity < paid {
		return nil, apperrors.NewOrderError("RemoveItems", apperrors.ErrPaidQuantityExceeded, apperrors.KindValidation, 4012)
	}
	_ = item
	ev, err := newEvent(ctx, meta, order.EventItemsRemoved, order.ItemsRemovedPayload{
		InstanceID:  c.InstanceID,
		NewQuantity: c.NewQuantity,
	})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// CompItem marks all or part of a line item's quantity as comped.
type CompItem struct {
	InstanceID     string
	Quantity       int
	Reason         string
	AuthorizerID   string
	AuthorizerName string
}

func (c CompItem) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("CompItem", ctx.Snapshot); err != nil {
		return nil, err
	}
	item, ok := findItem(ctx.Snapshot, c.InstanceID)
	if !ok {
		return nil, apperrors.InvalidOperation("CompItem", "item_not_found", c.InstanceID)
	}
	if item.IsComped {
		return nil, apperrors.InvalidOperation("CompItem", "already_comped", c.InstanceID)
	}
	if c.Quantity < 1 || c.Quantity > item.Quantity {
		return nil, apperrors.NewOrderError("CompItem", apperrors.ErrInvalidQuantity, apperrors.KindValidation, 4013)
	}
	if err := validateText("CompItem", "reason", c.Reason, 200); err != nil {
		return nil, err
	}
	payload := order.ItemCompAppliedPayload{
		CompID:         uuid.NewString(),
		InstanceID:     c.InstanceID,
		Quantity:       c.Quantity,
		Reason:         c.Reason,
		AuthorizerID:   c.AuthorizerID,
		AuthorizerName: c.AuthorizerName,
	}
	if c.Quantity < item.Quantity {
		payload.NewInstanceID = uuid.NewString()
	}
	ev, err := newEvent(ctx, meta, order.EventItemCompApplied, payload)
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// UncompItem reverses a prior CompItem.
type UncompItem struct {
	InstanceID string
}

func (c UncompItem) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("UncompItem", ctx.Snapshot); err != nil {
		return nil, err
	}
	found := false
	for _, comp := range ctx.Snapshot.Comps {
		if comp.InstanceID == c.InstanceID {
			found = true
			break
		}
	}
	if !found {
		return nil, apperrors.InvalidOperation("UncompItem", "no_comp_record", c.InstanceID)
	}
	ev, err := newEvent(ctx, meta, order.EventItemUncomped, order.ItemUncompedPayload{InstanceID: c.InstanceID})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// AddItemNote sets (or clears) one line item's note.
type AddItemNote struct {
	InstanceID string
	Note       string
}

func (c AddItemNote) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("AddItemNote", ctx.Snapshot); err != nil {
		return nil, err
	}
	if _, ok := findItem(ctx.Snapshot, c.InstanceID); !ok {
		return nil, apperrors.InvalidOperation("AddItemNote", "item_not_found", c.InstanceID)
	}
	if err := validateText("AddItemNote", "note", c.Note, 500); err != nil {
		return nil, err
	}
	ev, err := newEvent(ctx, meta, order.EventItemNoteAdded, order.ItemNoteAddedPayload{InstanceID: c.InstanceID, Note: c.Note})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// AddOrderNote sets (or clears) the order-level note.
type AddOrderNote struct {
	Note string
}

func (c AddOrderNote) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("AddOrderNote", ctx.Snapshot); err != nil {
		return nil, err
	}
	if err := validateText("AddOrderNote", "note", c.Note, 500); err != nil {
		return nil, err
	}
	ev, err := newEvent(ctx, meta, order.EventOrderNoteAdded, order.OrderNoteAddedPayload{Note: c.Note})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// AddPayment records a tender against the order. Split is non-nil when
// this payment is itself part of an AA/amount split protocol, which
// exempts it from the split-active block.
type AddPayment struct {
	Method   string
	Amount   decimal.Decimal
	Tendered *decimal.Decimal
	Change   *decimal.Decimal
	Note     string
	Split    *order.SplitAnnotation
}

func (c AddPayment) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("AddPayment", ctx.Snapshot); err != nil {
		return nil, err
	}
	if err := requireNoSplit("AddPayment", ctx.Snapshot, c.Split != nil); err != nil {
		return nil, err
	}
	if !c.Amount.IsPositive() {
		return nil, apperrors.NewOrderError("AddPayment", apperrors.ErrInvalidQuantity, apperrors.KindValidation, 4014)
	}
	payload := order.PaymentAddedPayload{
		PaymentID: uuid.NewString(),
		Method:    c.Method,
		Amount:    c.Amount.String(),
		Note:      c.Note,
		Split:     c.Split,
	}
	if c.Tendered != nil {
		s := c.Tendered.String()
		payload.Tendered = &s
	}
	if c.Change != nil {
		s := c.Change.String()
		payload.Change = &s
	}
	ev, err := newEvent(ctx, meta, order.EventPaymentAdded, payload)
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// CancelPayment voids a previously recorded payment.
type CancelPayment struct {
	PaymentID string
	Reason    string
}

func (c CancelPayment) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("CancelPayment", ctx.Snapshot); err != nil {
		return nil, err
	}
	found := false
	for _, p := range ctx.Snapshot.Payments {
		if p.PaymentID == c.PaymentID {
			if p.Cancelled {
				return nil, apperrors.InvalidOperation("CancelPayment", "already_cancelled", c.PaymentID)
			}
			found = true
			break
		}
	}
	if !found {
		return nil, apperrors.InvalidOperation("CancelPayment", "payment_not_found", c.PaymentID)
	}
	ev, err := newEvent(ctx, meta, order.EventPaymentCancelled, order.PaymentCancelledPayload{PaymentID: c.PaymentID, Reason: c.Reason})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// CompleteOrder closes out a fully paid order.
type CompleteOrder struct {
	ReceiptNumber string
}

func (c CompleteOrder) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("CompleteOrder", ctx.Snapshot); err != nil {
		return nil, err
	}
	if !money.IsSufficient(ctx.Snapshot.PaidAmount, ctx.Snapshot.Total) {
		return nil, apperrors.InvalidOperation("CompleteOrder", "insufficient_payment", "paid amount does not cover the total")
	}
	ev, err := newEvent(ctx, meta, order.EventOrderCompleted, order.OrderCompletedPayload{ReceiptNumber: c.ReceiptNumber})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// VoidOrder marks the order void without deleting its history.
type VoidOrder struct {
	VoidType order.VoidType
	Reason   string
}

func (c VoidOrder) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("VoidOrder", ctx.Snapshot); err != nil {
		return nil, err
	}
	if err := validateText("VoidOrder", "reason", c.Reason, 200); err != nil {
		return nil, err
	}
	ev, err := newEvent(ctx, meta, order.EventOrderVoided, order.OrderVoidedPayload{VoidType: c.VoidType, Reason: c.Reason})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// RestoreOrder is the sole command permitted against a Void order.
type RestoreOrder struct{}

func (c RestoreOrder) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireVoid("RestoreOrder", ctx.Snapshot); err != nil {
		return nil, err
	}
	ev, err := newEvent(ctx, meta, order.EventOrderRestored, order.OrderRestoredPayload{})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// ReassignTable moves an order to a different table, e.g. on a floor move.
type ReassignTable struct {
	TableID   string
	TableName string
	ZoneName  *string
}

func (c ReassignTable) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("ReassignTable", ctx.Snapshot); err != nil {
		return nil, err
	}
	if err := validateText("ReassignTable", "table_name", c.TableName, 80); err != nil {
		return nil, err
	}
	ev, err := newEvent(ctx, meta, order.EventTableReassigned, order.TableReassignedPayload{
		TableID:   c.TableID,
		TableName: c.TableName,
		ZoneName:  c.ZoneName,
	})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// LinkMember attaches a loyalty member (and their marketing group) to
// the order. ActiveRules is populated by the orders manager from its
// catalog's MG rule set for MarketingGroup before Handle runs; the
// command layer itself never looks up the catalog.
type LinkMember struct {
	MemberID       string
	MarketingGroup string
	ActiveRules    []order.MgRuleSnapshot
}

func (c LinkMember) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("LinkMember", ctx.Snapshot); err != nil {
		return nil, err
	}
	if err := requireNoSplit("LinkMember", ctx.Snapshot, false); err != nil {
		return nil, err
	}
	ev, err := newEvent(ctx, meta, order.EventMemberLinked, order.MemberLinkedPayload{
		MemberID:       c.MemberID,
		MarketingGroup: c.MarketingGroup,
		Rules:          c.ActiveRules,
	})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// UnlinkMember clears whatever member is linked to the order.
type UnlinkMember struct{}

func (c UnlinkMember) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("UnlinkMember", ctx.Snapshot); err != nil {
		return nil, err
	}
	if ctx.Snapshot.MemberID == nil {
		return nil, apperrors.NewOrderError("UnlinkMember", apperrors.ErrNoMemberLinked, apperrors.KindValidation, 4015)
	}
	ev, err := newEvent(ctx, meta, order.EventMemberUnlinked, order.MemberUnlinkedPayload{})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// ToggleRuleSkip flips whether a pricing rule applies across every
// item it touched, recomputing the totals the event payload carries.
type ToggleRuleSkip struct {
	RuleID  string
	Skipped bool
}

func (c ToggleRuleSkip) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("ToggleRuleSkip", ctx.Snapshot); err != nil {
		return nil, err
	}
	if err := requireNoSplit("ToggleRuleSkip", ctx.Snapshot, false); err != nil {
		return nil, err
	}
	payload := previewRuleSkipTotals(ctx.Snapshot, c.RuleID, c.Skipped)
	ev, err := newEvent(ctx, meta, order.EventRuleSkipToggled, payload)
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// RedeemStamp applies a loyalty punch-card reward as a comped line item.
type RedeemStamp struct {
	CardID    string
	InstanceID string
	ProductID string
	Name      string
}

func (c RedeemStamp) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("RedeemStamp", ctx.Snapshot); err != nil {
		return nil, err
	}
	instanceID := c.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	ev, err := newEvent(ctx, meta, order.EventStampRedemptionApplied, order.StampRedemptionAppliedPayload{
		RedemptionID: uuid.NewString(),
		CardID:       c.CardID,
		InstanceID:   instanceID,
		ProductID:    c.ProductID,
		Name:         c.Name,
	})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}

// CancelStampRedemption reverses a prior RedeemStamp.
type CancelStampRedemption struct {
	RedemptionID string
}

func (c CancelStampRedemption) Handle(ctx *Context, meta Metadata) ([]order.OrderEvent, error) {
	if err := requireActive("CancelStampRedemption", ctx.Snapshot); err != nil {
		return nil, err
	}
	found := false
	for _, r := range ctx.Snapshot.StampRedemptions {
		if r.RedemptionID == c.RedemptionID {
			found = true
			break
		}
	}
	if !found {
		return nil, apperrors.NewOrderError("CancelStampRedemption", apperrors.ErrStampRedemptionNotFound, apperrors.KindValidation, 4016)
	}
	ev, err := newEvent(ctx, meta, order.EventStampRedemptionCancelled, order.StampRedemptionCancelledPayload{RedemptionID: c.RedemptionID})
	if err != nil {
		return nil, err
	}
	return []order.OrderEvent{ev}, nil
}
