// Package order holds the event-sourced order data model: OrderEvent,
// OrderSnapshot and their nested value types. Snapshots are
// plain values; nothing in this package touches disk or a clock other
// than what it is handed.
package order

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusVoid      Status = "void"
	StatusMoved     Status = "moved"
	StatusMerged    Status = "merged"
)

// VoidType classifies who/what initiated an OrderVoided event.
type VoidType string

const (
	VoidTypeStaff    VoidType = "staff"
	VoidTypeCustomer VoidType = "customer"
	VoidTypeSystem   VoidType = "system"
)

// AppliedRule records a pricing rule (member-group or promotional) that
// contributed a discount to a line item, and whether it has been
// skipped via RuleSkipToggled.
type AppliedRule struct {
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Percent  decimal.Decimal `json:"percent"`
	Skipped  bool            `json:"skipped"`
}

// MgRuleSnapshot is the order-time capture of one marketing-group
// discount rule. MemberLinked embeds the rules active for the linked
// group at link time so every later recalculation (including items
// added afterward) stays deterministic under event replay instead of
// depending on the live catalog mirror.
type MgRuleSnapshot struct {
	RuleID    string          `json:"rule_id"`
	RuleName  string          `json:"rule_name"`
	ProductID string          `json:"product_id,omitempty"`
	Percent   decimal.Decimal `json:"percent"`
}

// Matches reports whether r applies to a line item for productID:
// an empty ProductID is a blanket rule over every product.
func (r MgRuleSnapshot) Matches(productID string) bool {
	return r.ProductID == "" || r.ProductID == productID
}

// CartItemSnapshot is one line item on an order.
type CartItemSnapshot struct {
	InstanceID      string          `json:"instance_id"`
	ProductID       string          `json:"product_id"`
	Name            string          `json:"name"`
	Quantity        int             `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	OriginalPrice   decimal.Decimal `json:"original_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	AppliedRules    []AppliedRule   `json:"applied_rules"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	IsComped        bool            `json:"is_comped"`
	Note            string          `json:"note,omitempty"`
	LineTotal       decimal.Decimal `json:"line_total"`
	UnpaidQuantity  int             `json:"unpaid_quantity"`
}

// SplitAnnotation marks a payment as belonging to an AA/amount split.
type SplitAnnotation struct {
	SplitID string `json:"split_id"`
	ShareOf int    `json:"share_of,omitempty"`
}

// PaymentRecord is one payment applied to an order.
type PaymentRecord struct {
	PaymentID    string           `json:"payment_id"`
	Method       string           `json:"method"`
	Amount       decimal.Decimal  `json:"amount"`
	Tendered     *decimal.Decimal `json:"tendered,omitempty"`
	Change       *decimal.Decimal `json:"change,omitempty"`
	Note         string           `json:"note,omitempty"`
	Timestamp    int64            `json:"timestamp"`
	Cancelled    bool             `json:"cancelled"`
	CancelReason string           `json:"cancel_reason,omitempty"`
	Split        *SplitAnnotation `json:"split,omitempty"`
}

// CompRecord documents one managerial comp.
type CompRecord struct {
	CompID           string          `json:"comp_id"`
	InstanceID       string          `json:"instance_id"`
	SourceInstanceID string          `json:"source_instance_id,omitempty"`
	ItemName         string          `json:"item_name"`
	Quantity         int             `json:"quantity"`
	OriginalPrice    decimal.Decimal `json:"original_price"`
	Reason           string          `json:"reason"`
	AuthorizerID     string          `json:"authorizer_id"`
	AuthorizerName   string          `json:"authorizer_name"`
	Timestamp        int64           `json:"timestamp"`
}

// StampRedemption records a punch-card reward redeemed on this order.
type StampRedemption struct {
	RedemptionID string `json:"redemption_id"`
	CardID       string `json:"card_id"`
	InstanceID   string `json:"instance_id"`
	Cancelled    bool   `json:"cancelled"`
}

// OrderSnapshot is the derived, authoritative state of one order.
// It is a plain value: readers receive clones, never pointers into the
// orders manager's live state.
type OrderSnapshot struct {
	OrderID        string  `json:"order_id"`
	TableID        *string `json:"table_id,omitempty"`
	TableName      *string `json:"table_name,omitempty"`
	ZoneName       *string `json:"zone_name,omitempty"`
	GuestCount     *int    `json:"guest_count,omitempty"`
	IsRetail       bool    `json:"is_retail"`
	ReceiptNumber  *string `json:"receipt_number,omitempty"`
	Status         Status  `json:"status"`
	Note           string  `json:"note,omitempty"`
	MemberID       *string `json:"member_id,omitempty"`
	MarketingGroup *string `json:"marketing_group,omitempty"`
	// ActiveMgRules is the set of marketing-group rules captured when
	// the currently linked member was linked; cleared on unlink.
	ActiveMgRules []MgRuleSnapshot `json:"active_mg_rules,omitempty"`

	Items    []CartItemSnapshot `json:"items"`
	Payments []PaymentRecord    `json:"payments"`
	// PaidItemQuantities maps instance_id -> quantity already paid for.
	PaidItemQuantities map[string]int   `json:"paid_item_quantities"`
	Comps              []CompRecord     `json:"comps"`
	StampRedemptions   []StampRedemption `json:"stamp_redemptions"`

	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	Surcharge  decimal.Decimal `json:"surcharge"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	PaidAmount decimal.Decimal `json:"paid_amount"`

	AATotalShares   *int `json:"aa_total_shares,omitempty"`
	AAPaidShares    *int `json:"aa_paid_shares,omitempty"`
	HasAmountSplit  bool `json:"has_amount_split"`
	IsPrePayment    bool `json:"is_pre_payment"`

	VoidType   *VoidType `json:"void_type,omitempty"`
	VoidReason string    `json:"void_reason,omitempty"`

	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time,omitempty"`
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	LastSequence  uint64 `json:"last_sequence"`
	StateChecksum string `json:"state_checksum"`
}

// NewEmptySnapshot builds the zero-value snapshot a TableOpened/
// OpenRetail command applies its first event onto.
func NewEmptySnapshot(orderID string, createdAt int64) *OrderSnapshot {
	return &OrderSnapshot{
		OrderID:            orderID,
		Status:             StatusActive,
		Items:              []CartItemSnapshot{},
		Payments:           []PaymentRecord{},
		PaidItemQuantities: map[string]int{},
		Comps:              []CompRecord{},
		StampRedemptions:   []StampRedemption{},
		Subtotal:           decimal.Zero,
		Discount:           decimal.Zero,
		Surcharge:          decimal.Zero,
		Tax:                decimal.Zero,
		Total:              decimal.Zero,
		PaidAmount:         decimal.Zero,
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
}

// Clone returns a deep-enough copy for safe cross-goroutine sharing:
// slices and the paid-quantity map are copied so a subscriber can never
// observe a mutation racing with the orders manager's next command.
func (s *OrderSnapshot) Clone() *OrderSnapshot {
	clone := *s
	clone.Items = append([]CartItemSnapshot(nil), s.Items...)
	for i := range clone.Items {
		clone.Items[i].AppliedRules = append([]AppliedRule(nil), s.Items[i].AppliedRules...)
	}
	clone.Payments = append([]PaymentRecord(nil), s.Payments...)
	clone.ActiveMgRules = append([]MgRuleSnapshot(nil), s.ActiveMgRules...)
	clone.Comps = append([]CompRecord(nil), s.Comps...)
	clone.StampRedemptions = append([]StampRedemption(nil), s.StampRedemptions...)
	clone.PaidItemQuantities = make(map[string]int, len(s.PaidItemQuantities))
	for k, v := range s.PaidItemQuantities {
		clone.PaidItemQuantities[k] = v
	}
	return &clone
}

// UpdateChecksum recomputes StateChecksum: a stable hash over
// (items.len, round(total*100), round(paid_amount*100), last_sequence,
// status). Must be called last by every applier.
func (s *OrderSnapshot) UpdateChecksum() {
	s.StateChecksum = ComputeChecksum(s)
}

// ComputeChecksum is the pure function behind UpdateChecksum, exposed
// so subscribers (and tests) can independently verify drift without
// mutating the snapshot.
func ComputeChecksum(s *OrderSnapshot) string {
	totalCents := s.Total.Mul(decimal.NewFromInt(100)).Round(0)
	paidCents := s.PaidAmount.Mul(decimal.NewFromInt(100)).Round(0)
	payload := fmt.Sprintf("%d|%s|%s|%d|%s",
		len(s.Items), totalCents.String(), paidCents.String(), s.LastSequence, s.Status)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:16]
}
