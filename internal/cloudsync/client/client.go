// Package client is the edge's half of cloud sync: a queue-then-push
// WebSocket session (mTLS preferred, HTTP POST fallback) that drains a
// persistent outbox of CloudSyncItems and serves catalog RPCs pushed
// down by the cloud. Reconnects with jittered exponential backoff;
// stops retrying on 401/403 until re-activation clears the block.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/catalog"
	"github.com/crabpos/crab/internal/cloudsync/protocol"
	"github.com/crabpos/crab/internal/logger"
)

const (
	maxBatchItems     = 128
	maxBatchBytes     = 256 * 1024
	writeTimeout      = 30 * time.Second
	reconnectInitial  = time.Second
	reconnectMax      = 60 * time.Second
	rpcIdempotencyTTL = 60 * time.Second
)

// Outbox is the persistent queue of resource changes awaiting sync.
// The edge's catalog/order stores append to it; Client drains it.
type Outbox interface {
	Pending(ctx context.Context, cursors map[string]uint64) ([]protocol.CloudSyncItem, error)
	MarkAcked(ctx context.Context, resource, resourceID string, version uint64) error
}

// RpcHandler applies a cloud-pushed catalog op to the local mirror and
// returns the result to report back.
type RpcHandler func(ctx context.Context, op catalog.Op) protocol.RpcResultData

// blockedState records whether the client should stop retrying
// (401/403); Unblock clears it after re-activation.
type blockedState struct {
	mu      sync.Mutex
	blocked bool
}

func (b *blockedState) set(v bool) {
	b.mu.Lock()
	b.blocked = v
	b.mu.Unlock()
}

func (b *blockedState) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

// Client maintains one sync session to the cloud.
type Client struct {
	wsURL      string
	httpURL    string
	tlsConfig  *tls.Config
	outbox     Outbox
	onRpc      RpcHandler
	httpClient *http.Client

	blocked blockedState

	mu         sync.Mutex
	conn       *websocket.Conn
	cursors    map[string]uint64
	seenRPCs   map[string]seenRPC
	seenRPCsMu sync.Mutex

	// sent tracks in-flight items by resource_id so a SyncAck (which
	// carries only resource_ids) can be matched back to the resource
	// and version needed to advance the outbox cursor.
	sentMu sync.Mutex
	sent   map[string]protocol.CloudSyncItem
}

type seenRPC struct {
	result   protocol.RpcResultData
	seenAt   time.Time
}

// New builds a Client dialing wsURL (mTLS WebSocket) with httpURL as
// the HTTP POST fallback when the WebSocket cannot be established.
func New(wsURL, httpURL string, tlsConfig *tls.Config, outbox Outbox, onRpc RpcHandler) *Client {
	return &Client{
		wsURL:     wsURL,
		httpURL:   httpURL,
		tlsConfig: tlsConfig,
		outbox:    outbox,
		onRpc:     onRpc,
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   writeTimeout,
		},
		cursors:  make(map[string]uint64),
		seenRPCs: make(map[string]seenRPC),
		sent:     make(map[string]protocol.CloudSyncItem),
	}
}

// Unblock clears the 401/403 stop-retrying state, called after the
// activation gate re-confirms the tenant/device is authorized.
func (c *Client) Unblock() { c.blocked.set(false) }

// PushLive best-effort-sends an ActiveOrderSnapshot/ActiveOrderRemoved
// frame outside the durable outbox, for low-latency console updates.
// It is a silent no-op when no session is currently connected — the
// next durable SyncBatch still carries the authoritative state.
func (c *Client) PushLive(msg protocol.CloudMessage) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.writeJSON(conn, msg); err != nil {
		logger.Debug("cloudsync: live push dropped", zap.Error(err))
	}
}

// Run maintains the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectInitial
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.blocked.get() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectInitial):
			}
			continue
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.blocked.get() {
			logger.Warn("cloudsync: stopped retrying after auth rejection, awaiting re-activation")
			continue
		}

		// The WebSocket session is down; fall back to the HTTP POST
		// sync path for this backoff interval so the outbox keeps
		// draining instead of only waiting to redial.
		if httpErr := c.httpSyncOnce(ctx); httpErr != nil {
			logger.Debug("cloudsync: http fallback sync failed", zap.Error(httpErr))
		}

		logger.Warn("cloudsync: session ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := &websocket.Dialer{TLSClientConfig: c.tlsConfig, HandshakeTimeout: writeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.blocked.set(true)
			return fmt.Errorf("cloudsync: dial rejected: %w", err)
		}
		return fmt.Errorf("cloudsync: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		conn.Close()
		c.conn = nil
		c.mu.Unlock()
	}()

	welcome, err := c.readWelcome(conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cursors = welcome.Cursors
	c.mu.Unlock()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.drainOutboxLoop(sendCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var msg protocol.CloudMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("cloudsync: read: %w", err)
		}
		c.handleMessage(ctx, conn, msg)
	}
}

func (c *Client) readWelcome(conn *websocket.Conn) (protocol.CloudMessage, error) {
	var msg protocol.CloudMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return protocol.CloudMessage{}, fmt.Errorf("cloudsync: read welcome: %w", err)
	}
	if msg.Type != protocol.MsgWelcome {
		return protocol.CloudMessage{}, fmt.Errorf("cloudsync: expected Welcome, got %s", msg.Type)
	}
	return msg, nil
}

func (c *Client) handleMessage(ctx context.Context, conn *websocket.Conn, msg protocol.CloudMessage) {
	switch msg.Type {
	case protocol.MsgSyncAck:
		for _, id := range msg.Accepted {
			item, ok := c.takeSent(id)
			if !ok {
				logger.Debug("cloudsync: ack for unknown item", zap.String("resource_id", id))
				continue
			}
			if err := c.outbox.MarkAcked(ctx, item.Resource, item.ResourceID, item.Version); err != nil {
				logger.Error("cloudsync: mark acked failed", zap.String("resource_id", id), zap.Error(err))
				continue
			}
			logger.Debug("cloudsync: item acked", zap.String("resource_id", id))
		}
		if len(msg.Rejected) > 0 {
			for _, id := range msg.Rejected {
				c.takeSent(id)
			}
			logger.Warn("cloudsync: items rejected", zap.Strings("ids", msg.Rejected), zap.Strings("errors", msg.Errors))
		}

	case protocol.MsgRpc:
		if msg.RpcPayload == nil {
			return
		}
		result := c.applyRPC(ctx, msg.RpcID, *msg.RpcPayload)
		reply := protocol.CloudMessage{Type: protocol.MsgRpcResult, RpcID: msg.RpcID, RpcResult: &result}
		c.writeJSON(conn, reply)

	default:
		logger.Debug("cloudsync: ignoring frame", zap.String("type", string(msg.Type)))
	}
}

// applyRPC de-duplicates RPC ids inside a 60s idempotency window before
// invoking onRpc.
func (c *Client) applyRPC(ctx context.Context, rpcID string, op catalog.Op) protocol.RpcResultData {
	c.seenRPCsMu.Lock()
	now := time.Now()
	if cached, ok := c.seenRPCs[rpcID]; ok && now.Sub(cached.seenAt) < rpcIdempotencyTTL {
		c.seenRPCsMu.Unlock()
		return cached.result
	}
	for id, s := range c.seenRPCs {
		if now.Sub(s.seenAt) >= rpcIdempotencyTTL {
			delete(c.seenRPCs, id)
		}
	}
	c.seenRPCsMu.Unlock()

	result := c.onRpc(ctx, op)

	c.seenRPCsMu.Lock()
	c.seenRPCs[rpcID] = seenRPC{result: result, seenAt: now}
	c.seenRPCsMu.Unlock()
	return result
}

func (c *Client) drainOutboxLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce(ctx, conn)
		}
	}
}

// rememberSent records items as in-flight right before they go out on
// the wire, so a later SyncAck can resolve each resource_id back to
// the resource/version the outbox cursor needs to advance.
func (c *Client) rememberSent(items []protocol.CloudSyncItem) {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	for _, item := range items {
		c.sent[item.ResourceID] = item
	}
}

func (c *Client) takeSent(resourceID string) (protocol.CloudSyncItem, bool) {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	item, ok := c.sent[resourceID]
	if ok {
		delete(c.sent, resourceID)
	}
	return item, ok
}

func (c *Client) drainOnce(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	cursors := make(map[string]uint64, len(c.cursors))
	for k, v := range c.cursors {
		cursors[k] = v
	}
	c.mu.Unlock()

	items, err := c.outbox.Pending(ctx, cursors)
	if err != nil || len(items) == 0 {
		return
	}

	for _, batch := range chunkItems(items) {
		msg := protocol.CloudMessage{Type: protocol.MsgSyncBatch, Items: batch, SentAt: time.Now().Unix()}
		if err := c.writeJSON(conn, msg); err != nil {
			logger.Warn("cloudsync: send batch failed", zap.Error(err))
			return
		}
		c.rememberSent(batch)
	}
}

// httpSyncOnce drains pending outbox items over the HTTP POST fallback
// (mTLS WebSocket preferred, HTTP POST fallback when it cannot be
// established). The ack arrives synchronously in the response body,
// so each batch can be marked acked directly without the sent-item
// correlation map the WebSocket path needs.
func (c *Client) httpSyncOnce(ctx context.Context) error {
	c.mu.Lock()
	cursors := make(map[string]uint64, len(c.cursors))
	for k, v := range c.cursors {
		cursors[k] = v
	}
	c.mu.Unlock()

	items, err := c.outbox.Pending(ctx, cursors)
	if err != nil || len(items) == 0 {
		return err
	}

	for _, batch := range chunkItems(items) {
		if err := c.httpSyncBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) httpSyncBatch(ctx context.Context, batch []protocol.CloudSyncItem) error {
	body, err := json.Marshal(protocol.CloudMessage{Type: protocol.MsgSyncBatch, Items: batch, SentAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("cloudsync: marshal http sync batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cloudsync: build http sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cloudsync: http sync post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.blocked.set(true)
		return fmt.Errorf("cloudsync: http sync rejected: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudsync: http sync status %d", resp.StatusCode)
	}

	var ack protocol.CloudMessage
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("cloudsync: decode http sync ack: %w", err)
	}

	byID := make(map[string]protocol.CloudSyncItem, len(batch))
	for _, item := range batch {
		byID[item.ResourceID] = item
	}
	for _, id := range ack.Accepted {
		item, ok := byID[id]
		if !ok {
			continue
		}
		if err := c.outbox.MarkAcked(ctx, item.Resource, item.ResourceID, item.Version); err != nil {
			logger.Error("cloudsync: http sync mark acked failed", zap.String("resource_id", id), zap.Error(err))
		}
	}
	if len(ack.Rejected) > 0 {
		logger.Warn("cloudsync: http sync items rejected", zap.Strings("ids", ack.Rejected), zap.Strings("errors", ack.Errors))
	}
	return nil
}

// chunkItems splits items into batches respecting both the item-count
// and byte-size caps.
func chunkItems(items []protocol.CloudSyncItem) [][]protocol.CloudSyncItem {
	var batches [][]protocol.CloudSyncItem
	var current []protocol.CloudSyncItem
	var currentBytes int

	for _, item := range items {
		size := estimateSize(item)
		if len(current) >= maxBatchItems || (currentBytes+size > maxBatchBytes && len(current) > 0) {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, item)
		currentBytes += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func estimateSize(item protocol.CloudSyncItem) int {
	b, err := json.Marshal(item)
	if err != nil {
		return 0
	}
	return len(b)
}

func (c *Client) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}
