// Package protocol defines the wire types exchanged on the cloud↔edge
// WebSocket (CloudMessage) and the console live-orders WebSocket
// (ConsoleMessage/ConsoleCommand). All are JSON text frames tagged by
// a "type" discriminator field.
package protocol

import (
	"encoding/json"

	"github.com/crabpos/crab/internal/catalog"
	"github.com/crabpos/crab/internal/order"
)

// CloudMessageType discriminates frames on the edge↔cloud WebSocket.
type CloudMessageType string

const (
	MsgSyncBatch          CloudMessageType = "SyncBatch"
	MsgSyncAck            CloudMessageType = "SyncAck"
	MsgWelcome             CloudMessageType = "Welcome"
	MsgRpc                 CloudMessageType = "Rpc"
	MsgRpcResult           CloudMessageType = "RpcResult"
	MsgActiveOrderSnapshot CloudMessageType = "ActiveOrderSnapshot"
	MsgActiveOrderRemoved  CloudMessageType = "ActiveOrderRemoved"
)

// CloudSyncItem is one queued change to a cloud-mirrored resource.
type CloudSyncItem struct {
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	Version    uint64          `json:"version"`
	Action     string          `json:"action"` // "upsert" | "delete"
	Data       json.RawMessage `json:"data,omitempty"`
}

// CloudMessage is the envelope for every frame on the edge↔cloud
// WebSocket; exactly one of the typed fields is populated, selected by
// Type.
type CloudMessage struct {
	Type CloudMessageType `json:"type"`

	// Edge -> Cloud: SyncBatch
	Items          []CloudSyncItem   `json:"items,omitempty"`
	SentAt         int64             `json:"sent_at,omitempty"`
	CommandResults []json.RawMessage `json:"command_results,omitempty"`

	// Cloud -> Edge: SyncAck
	Accepted []string `json:"accepted,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
	Errors   []string `json:"errors,omitempty"`

	// Cloud -> Edge: Welcome
	Cursors map[string]uint64 `json:"cursors,omitempty"`

	// Cloud -> Edge: Rpc / Edge -> Cloud: RpcResult
	RpcID      string        `json:"rpc_id,omitempty"`
	RpcPayload *catalog.Op   `json:"rpc_payload,omitempty"`
	RpcResult  *RpcResultData `json:"rpc_result,omitempty"`

	// Edge -> Cloud: ActiveOrderSnapshot / ActiveOrderRemoved
	Snapshot *order.OrderSnapshot `json:"snapshot,omitempty"`
	Events   []order.OrderEvent   `json:"events,omitempty"`
	OrderID  string               `json:"order_id,omitempty"`
}

// RpcResultData is the outcome the edge reports back for an Rpc.
type RpcResultData struct {
	Success  bool   `json:"success"`
	CreateID string `json:"created_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ConsoleMessageType discriminates server->client frames on the
// console live-orders WebSocket.
type ConsoleMessageType string

const (
	ConsoleReady        ConsoleMessageType = "Ready"
	ConsoleOrderUpdated  ConsoleMessageType = "OrderUpdated"
	ConsoleOrderRemoved  ConsoleMessageType = "OrderRemoved"
	ConsoleEdgeStatus    ConsoleMessageType = "EdgeStatus"
)

type ConsoleMessage struct {
	Type ConsoleMessageType `json:"type"`

	// Ready
	Snapshots     []order.OrderSnapshot `json:"snapshots,omitempty"`
	OnlineEdgeIDs []string              `json:"online_edge_ids,omitempty"`

	// OrderUpdated
	Snapshot *order.OrderSnapshot `json:"snapshot,omitempty"`

	// OrderRemoved
	OrderID string `json:"order_id,omitempty"`

	// EdgeStatus
	Online          bool     `json:"online,omitempty"`
	EdgeID          string   `json:"edge_id,omitempty"`
	ClearedOrderIDs []string `json:"cleared_order_ids,omitempty"`
}

// ConsoleCommandType discriminates client->server frames on the
// console live-orders WebSocket.
type ConsoleCommandType string

const (
	ConsoleCmdSubscribe ConsoleCommandType = "Subscribe"
)

type ConsoleCommand struct {
	Type          ConsoleCommandType `json:"type"`
	EdgeServerIDs []string           `json:"edge_server_ids,omitempty"`
}
