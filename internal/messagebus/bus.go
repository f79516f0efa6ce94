// Package messagebus is the in-edge pub/sub fabric: one broadcast path
// server→clients, fanned into three priority channels for the order
// engine's own consumers, plus transports (in-process and mTLS TCP)
// that relay the same frames to remote subscribers.
package messagebus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/crabpos/crab/internal/order"
	"github.com/crabpos/crab/internal/ordersmanager"
)

const (
	archiveBuffer = 256
	syncBuffer    = 256
	printBuffer   = 64
)

// Bus fans every published OrderSync to three per-purpose channels and
// to any registered transport. It implements ordersmanager.Broadcaster.
type Bus struct {
	archive chan ordersmanager.OrderSync
	sync    chan ordersmanager.OrderSync
	print   chan ordersmanager.OrderSync

	mu         sync.RWMutex
	transports []Transport
}

// Transport receives every published OrderSync for relay to a remote
// subscriber (in-process fan-out, TCP, mTLS TCP).
type Transport interface {
	Relay(sync ordersmanager.OrderSync)
}

func New() *Bus {
	return &Bus{
		archive: make(chan ordersmanager.OrderSync, archiveBuffer),
		sync:    make(chan ordersmanager.OrderSync, syncBuffer),
		print:   make(chan ordersmanager.OrderSync, printBuffer),
	}
}

// Archive is the critical channel: terminal events (OrderCompleted,
// OrderVoided, OrderMerged) and everything else must never be dropped
// here, so Publish sends on it with a blocking send.
func (b *Bus) Archive() <-chan ordersmanager.OrderSync { return b.archive }

// Sync feeds the cloud outbox; it is best-effort and drops under backpressure.
func (b *Bus) Sync() <-chan ordersmanager.OrderSync { return b.sync }

// Print feeds the kitchen/receipt printer queue; best-effort, and only
// ItemsAdded events are ever placed on it.
func (b *Bus) Print() <-chan ordersmanager.OrderSync { return b.print }

// Publish implements ordersmanager.Broadcaster.
func (b *Bus) Publish(sync ordersmanager.OrderSync) {
	b.archive <- sync

	select {
	case b.sync <- sync:
	default:
	}

	if sync.Event.EventType == order.EventItemsAdded {
		select {
		case b.print <- sync:
		default:
		}
	}

	b.mu.RLock()
	transports := append([]Transport(nil), b.transports...)
	b.mu.RUnlock()
	for _, t := range transports {
		t.Relay(sync)
	}
}

// Register attaches a Transport to receive every future Publish call.
func (b *Bus) Register(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports = append(b.transports, t)
}

// RequestCommand is a correlated request sent over a bus transport;
// the server replies with a Response carrying the same CorrelationID.
type RequestCommand struct {
	CorrelationID string          `json:"correlation_id"`
	Method        string          `json:"method"`
	Params        []byte          `json:"params"`
}

// NewRequestCommand stamps a fresh correlation id.
func NewRequestCommand(method string, params []byte) RequestCommand {
	return RequestCommand{CorrelationID: uuid.NewString(), Method: method, Params: params}
}

// Response answers a RequestCommand.
type Response struct {
	CorrelationID string `json:"correlation_id"`
	Result        []byte `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
}
