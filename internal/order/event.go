package order

import "encoding/json"

// EventType is the tagged discriminator for OrderEvent.Payload.
type EventType string

const (
	EventTableOpened              EventType = "TableOpened"
	EventOpenRetail                EventType = "OpenRetail"
	EventItemsAdded                EventType = "ItemsAdded"
	EventItemsRemoved              EventType = "ItemsRemoved"
	EventItemCompApplied           EventType = "ItemCompApplied"
	EventItemUncomped              EventType = "ItemUncomped"
	EventItemNoteAdded             EventType = "ItemNoteAdded"
	EventOrderNoteAdded            EventType = "OrderNoteAdded"
	EventPaymentAdded              EventType = "PaymentAdded"
	EventPaymentCancelled          EventType = "PaymentCancelled"
	EventOrderCompleted            EventType = "OrderCompleted"
	EventOrderVoided               EventType = "OrderVoided"
	EventOrderRestored             EventType = "OrderRestored"
	EventTableReassigned           EventType = "TableReassigned"
	EventMemberLinked              EventType = "MemberLinked"
	EventMemberUnlinked            EventType = "MemberUnlinked"
	EventRuleSkipToggled           EventType = "RuleSkipToggled"
	EventStampRedemptionApplied    EventType = "StampRedemptionApplied"
	EventStampRedemptionCancelled  EventType = "StampRedemptionCancelled"
)

// OrderEvent is one immutable, persisted fact about an order.
// Once appended it is never mutated; current state is always the fold
// of every event for OrderID in Sequence order.
type OrderEvent struct {
	EventID          string          `json:"event_id"`
	Sequence         uint64          `json:"sequence"`
	OrderID          string          `json:"order_id"`
	Timestamp        int64           `json:"timestamp"`         // server-assigned ms
	ClientTimestamp  *int64          `json:"client_timestamp,omitempty"`
	OperatorID       string          `json:"operator_id"`
	OperatorName     string          `json:"operator_name"`
	CommandID        string          `json:"command_id"` // idempotency key
	EventType        EventType       `json:"event_type"`
	Payload          json.RawMessage `json:"payload"`
}

// --- Payload shapes, one per EventType. Handlers marshal these into
// OrderEvent.Payload; appliers unmarshal them back out. ---

type TableOpenedPayload struct {
	TableID       string  `json:"table_id"`
	TableName     string  `json:"table_name"`
	ZoneName      *string `json:"zone_name,omitempty"`
	GuestCount    *int    `json:"guest_count,omitempty"`
	ReceiptNumber *string `json:"receipt_number,omitempty"`
}

type OpenRetailPayload struct {
	ReceiptNumber *string `json:"receipt_number,omitempty"`
}

type ItemsAddedPayload struct {
	Items []NewItem `json:"items"`
}

type NewItem struct {
	InstanceID    string  `json:"instance_id"`
	ProductID     string  `json:"product_id"`
	Name          string  `json:"name"`
	Quantity      int     `json:"quantity"`
	UnitPrice     string  `json:"unit_price"` // decimal string, parsed by applier
	TaxRate       string  `json:"tax_rate"`
}

type ItemsRemovedPayload struct {
	InstanceID  string `json:"instance_id"`
	NewQuantity int    `json:"new_quantity"`
}

type ItemCompAppliedPayload struct {
	CompID           string `json:"comp_id"`
	InstanceID       string `json:"instance_id"`
	NewInstanceID    string `json:"new_instance_id,omitempty"` // set when the comp splits the line
	Quantity         int    `json:"quantity"`
	Reason           string `json:"reason"`
	AuthorizerID     string `json:"authorizer_id"`
	AuthorizerName   string `json:"authorizer_name"`
}

type ItemUncompedPayload struct {
	InstanceID string `json:"instance_id"`
}

type ItemNoteAddedPayload struct {
	InstanceID string `json:"instance_id"`
	Note       string `json:"note"`
}

type OrderNoteAddedPayload struct {
	Note string `json:"note"`
}

type PaymentAddedPayload struct {
	PaymentID string           `json:"payment_id"`
	Method    string           `json:"method"`
	Amount    string           `json:"amount"`
	Tendered  *string          `json:"tendered,omitempty"`
	Change    *string          `json:"change,omitempty"`
	Note      string           `json:"note,omitempty"`
	Split     *SplitAnnotation `json:"split,omitempty"`
}

type PaymentCancelledPayload struct {
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

type OrderCompletedPayload struct {
	ReceiptNumber string `json:"receipt_number"`
}

type OrderVoidedPayload struct {
	VoidType VoidType `json:"void_type"`
	Reason   string   `json:"reason"`
}

type OrderRestoredPayload struct{}

type TableReassignedPayload struct {
	TableID   string  `json:"table_id"`
	TableName string  `json:"table_name"`
	ZoneName  *string `json:"zone_name,omitempty"`
}

type MemberLinkedPayload struct {
	MemberID       string           `json:"member_id"`
	MarketingGroup string           `json:"marketing_group"`
	Rules          []MgRuleSnapshot `json:"rules,omitempty"`
}

type MemberUnlinkedPayload struct{}

type RuleSkipToggledPayload struct {
	RuleID    string            `json:"rule_id"`
	Skipped   bool              `json:"skipped"`
	Subtotal  string            `json:"subtotal"`
	Discount  string            `json:"discount"`
	Surcharge string            `json:"surcharge"`
	Tax       string            `json:"tax"`
	Total     string            `json:"total"`
}

type StampRedemptionAppliedPayload struct {
	RedemptionID string `json:"redemption_id"`
	CardID       string `json:"card_id"`
	InstanceID   string `json:"instance_id"`
	ProductID    string `json:"product_id"`
	Name         string `json:"name"`
}

type StampRedemptionCancelledPayload struct {
	RedemptionID string `json:"redemption_id"`
}
