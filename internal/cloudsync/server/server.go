// Package server is the cloud's half of cloud sync: a WebSocket
// endpoint that accepts edge connections on the mTLS port, applies
// incoming sync batches to the catalog/order mirrors, pushes catalog
// RPCs down, and fans active-order updates out to console subscribers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/binding"
	"github.com/crabpos/crab/internal/cloudsync/protocol"
	"github.com/crabpos/crab/internal/logger"
)

const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// BatchApplier persists an edge's SyncBatch items and returns which
// were accepted/rejected.
type BatchApplier interface {
	Apply(ctx context.Context, tenantID string, items []protocol.CloudSyncItem) (accepted, rejected []string, errs []string)
	Cursors(ctx context.Context, tenantID string) (map[string]uint64, error)
}

// LiveOrderSink receives ActiveOrderSnapshot/ActiveOrderRemoved pushes
// and edge connect/disconnect transitions to fan out to console
// subscribers.
type LiveOrderSink interface {
	Update(tenantID, edgeID string, snapshot protocol.CloudMessage)
	Remove(tenantID, edgeID, orderID string)
	EdgeOnline(tenantID, edgeID string, online bool)
}

// edgeSession tracks one connected edge's socket and identity.
type edgeSession struct {
	conn     *websocket.Conn
	tenantID string
	edgeID   string
	mu       sync.Mutex
}

// Server accepts edge WebSocket connections and dispatches them.
type Server struct {
	applier BatchApplier
	sink    LiveOrderSink

	mu       sync.RWMutex
	sessions map[string]*edgeSession // edgeID -> session
}

func New(applier BatchApplier, sink LiveOrderSink) *Server {
	return &Server{applier: applier, sink: sink, sessions: make(map[string]*edgeSession)}
}

// Handle is the gin handler for GET /api/edge/ws; must run behind
// binding.Middleware so FromContext yields a verified SignedBinding.
func (s *Server) Handle(c *gin.Context) {
	b, ok := binding.FromContext(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("cloudsync: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess := &edgeSession{conn: conn, tenantID: b.TenantID, edgeID: b.DeviceID}
	s.register(sess)
	if s.sink != nil {
		s.sink.EdgeOnline(b.TenantID, b.DeviceID, true)
	}
	defer func() {
		s.unregister(sess)
		if s.sink != nil {
			s.sink.EdgeOnline(b.TenantID, b.DeviceID, false)
		}
	}()

	ctx := c.Request.Context()

	cursors, err := s.applier.Cursors(ctx, b.TenantID)
	if err != nil {
		logger.Error("cloudsync: load cursors failed", zap.Error(err))
		return
	}
	if err := sess.writeJSON(protocol.CloudMessage{Type: protocol.MsgWelcome, Cursors: cursors}); err != nil {
		return
	}

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx, sess)

	for {
		var msg protocol.CloudMessage
		if err := conn.ReadJSON(&msg); err != nil {
			logger.Debug("cloudsync: edge session ended", zap.String("edge_id", b.DeviceID), zap.Error(err))
			return
		}
		s.handle(ctx, sess, msg)
	}
}

func (s *Server) handle(ctx context.Context, sess *edgeSession, msg protocol.CloudMessage) {
	switch msg.Type {
	case protocol.MsgSyncBatch:
		accepted, rejected, errs := s.applier.Apply(ctx, sess.tenantID, msg.Items)
		sess.writeJSON(protocol.CloudMessage{Type: protocol.MsgSyncAck, Accepted: accepted, Rejected: rejected, Errors: errs})

	case protocol.MsgActiveOrderSnapshot:
		if s.sink != nil {
			s.sink.Update(sess.tenantID, sess.edgeID, msg)
		}

	case protocol.MsgActiveOrderRemoved:
		if s.sink != nil {
			s.sink.Remove(sess.tenantID, sess.edgeID, msg.OrderID)
		}

	case protocol.MsgRpcResult:
		logger.Debug("cloudsync: rpc result received", zap.String("rpc_id", msg.RpcID), zap.String("edge_id", sess.edgeID))

	default:
		logger.Debug("cloudsync: ignoring frame from edge", zap.String("type", string(msg.Type)))
	}
}

// PushRPC sends a catalog Rpc to the named edge, if currently connected.
func (s *Server) PushRPC(tenantID, edgeID string, payload protocol.CloudMessage) error {
	s.mu.RLock()
	sess, ok := s.sessions[edgeID]
	s.mu.RUnlock()
	if !ok || sess.tenantID != tenantID {
		return fmt.Errorf("cloudsync: edge %s not connected", edgeID)
	}
	if payload.RpcID == "" {
		payload.RpcID = uuid.NewString()
	}
	payload.Type = protocol.MsgRpc
	return sess.writeJSON(payload)
}

func (s *Server) register(sess *edgeSession) {
	s.mu.Lock()
	s.sessions[sess.edgeID] = sess
	s.mu.Unlock()
}

func (s *Server) unregister(sess *edgeSession) {
	s.mu.Lock()
	delete(s.sessions, sess.edgeID)
	s.mu.Unlock()
}

func (s *Server) pingLoop(ctx context.Context, sess *edgeSession) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.mu.Lock()
			err := sess.conn.WriteMessage(websocket.PingMessage, nil)
			sess.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (sess *edgeSession) writeJSON(v interface{}) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return sess.conn.WriteJSON(v)
}
