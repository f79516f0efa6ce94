// Package console serves the tenant console's live-orders WebSocket:
// authenticated via a JWT passed in the query string (browsers cannot
// set headers on a WebSocket upgrade request), it streams order
// updates for a tenant and lets the client narrow its view to a
// subset of edge servers.
package console

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/cloudsync/protocol"
	"github.com/crabpos/crab/internal/logger"
	"github.com/crabpos/crab/internal/order"
)

const maxConnectionsPerTenant = 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TenantClaims is the JWT payload expected on the console's
// live-orders query-string token.
type TenantClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Authenticator verifies the `token` query parameter via JWKS and
// returns the tenant it authorizes.
type Authenticator struct {
	jwks     *keyfunc.JWKS
	issuer   string
	audience string
}

func NewAuthenticator(jwksURL, issuer, audience string) (*Authenticator, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshTimeout:  10 * time.Second,
		RefreshErrorHandler: func(err error) {
			logger.Error("console: jwks refresh failed", zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("console: init jwks: %w", err)
	}
	return &Authenticator{jwks: jwks, issuer: issuer, audience: audience}, nil
}

func (a *Authenticator) Authenticate(tokenString string) (TenantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TenantClaims{}, a.jwks.Keyfunc)
	if err != nil || !token.Valid {
		return TenantClaims{}, fmt.Errorf("console: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*TenantClaims)
	if !ok || claims.TenantID == "" {
		return TenantClaims{}, fmt.Errorf("console: token missing tenant_id")
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return TenantClaims{}, fmt.Errorf("console: issuer mismatch")
	}
	if a.audience != "" {
		ok := false
		for _, aud := range claims.Audience {
			if aud == a.audience {
				ok = true
				break
			}
		}
		if !ok {
			return TenantClaims{}, fmt.Errorf("console: audience mismatch")
		}
	}
	return *claims, nil
}

// LiveOrders is the in-memory fan-out of order updates to console
// subscribers, keyed by tenant. It also holds the tenant-scoped
// active-order/online-edge registry a freshly connected console needs
// to populate its Ready frame, fed by the edge->cloud
// ActiveOrderSnapshot/ActiveOrderRemoved pushes and edge connect/
// disconnect events.
type LiveOrders struct {
	auth *Authenticator

	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}         // tenantID -> set
	activeOrders map[string]map[string]*order.OrderSnapshot  // tenantID -> orderID -> snapshot
	orderEdge    map[string]map[string]string                // tenantID -> orderID -> owning edgeID
	onlineEdges  map[string]map[string]struct{}              // tenantID -> edgeID set
}

func NewLiveOrders(auth *Authenticator) *LiveOrders {
	return &LiveOrders{
		auth:         auth,
		subscribers:  make(map[string]map[*subscriber]struct{}),
		activeOrders: make(map[string]map[string]*order.OrderSnapshot),
		orderEdge:    make(map[string]map[string]string),
		onlineEdges:  make(map[string]map[string]struct{}),
	}
}

// UpsertActiveOrder records edgeID's latest snapshot for tenantID so a
// console that connects later sees it in its Ready frame.
func (l *LiveOrders) UpsertActiveOrder(tenantID, edgeID string, snap *order.OrderSnapshot) {
	if snap == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeOrders[tenantID] == nil {
		l.activeOrders[tenantID] = make(map[string]*order.OrderSnapshot)
		l.orderEdge[tenantID] = make(map[string]string)
	}
	l.activeOrders[tenantID][snap.OrderID] = snap
	l.orderEdge[tenantID][snap.OrderID] = edgeID
}

// RemoveActiveOrder drops orderID from tenantID's active set.
func (l *LiveOrders) RemoveActiveOrder(tenantID, orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.activeOrders[tenantID], orderID)
	delete(l.orderEdge[tenantID], orderID)
}

// SetEdgeOnline marks edgeID connected/disconnected for tenantID. A
// disconnect also clears every active order that edge owned, since its
// orders stop being live the moment it drops off sync, and returns
// their ids so the caller can report them on the EdgeStatus frame.
func (l *LiveOrders) SetEdgeOnline(tenantID, edgeID string, online bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onlineEdges[tenantID] == nil {
		l.onlineEdges[tenantID] = make(map[string]struct{})
	}
	if online {
		l.onlineEdges[tenantID][edgeID] = struct{}{}
		return nil
	}
	delete(l.onlineEdges[tenantID], edgeID)
	var cleared []string
	for orderID, owner := range l.orderEdge[tenantID] {
		if owner == edgeID {
			cleared = append(cleared, orderID)
			delete(l.activeOrders[tenantID], orderID)
			delete(l.orderEdge[tenantID], orderID)
		}
	}
	return cleared
}

func (l *LiveOrders) onlineEdgeIDs(tenantID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.onlineEdges[tenantID]))
	for id := range l.onlineEdges[tenantID] {
		ids = append(ids, id)
	}
	return ids
}

// filteredSnapshotsFor returns tenantID's active orders owned by an
// edge sub currently wants, for Ready frames and lag recovery alike.
func (l *LiveOrders) filteredSnapshotsFor(tenantID string, sub *subscriber) []order.OrderSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snaps := make([]order.OrderSnapshot, 0, len(l.activeOrders[tenantID]))
	for orderID, s := range l.activeOrders[tenantID] {
		if sub.wants(l.orderEdge[tenantID][orderID]) {
			snaps = append(snaps, *s)
		}
	}
	return snaps
}

type subscriber struct {
	conn    *websocket.Conn
	tenant  string
	mu      sync.Mutex
	edgeIDs map[string]struct{} // nil/empty means "all edges"
}

func (s *subscriber) wants(edgeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.edgeIDs) == 0 {
		return true
	}
	_, ok := s.edgeIDs[edgeID]
	return ok
}

func (s *subscriber) narrow(edgeIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edgeIDs = make(map[string]struct{}, len(edgeIDs))
	for _, id := range edgeIDs {
		s.edgeIDs[id] = struct{}{}
	}
}

// Handle is the gin handler for GET /api/tenant/live-orders/ws.
func (l *LiveOrders) Handle(c *gin.Context) {
	token := c.Query("token")
	claims, err := l.auth.Authenticate(token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	l.mu.RLock()
	current := len(l.subscribers[claims.TenantID])
	l.mu.RUnlock()
	if current >= maxConnectionsPerTenant {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := &subscriber{conn: conn, tenant: claims.TenantID}
	l.register(sub)
	defer l.unregister(sub)

	ready := protocol.ConsoleMessage{
		Type:          protocol.ConsoleReady,
		Snapshots:     l.filteredSnapshotsFor(claims.TenantID, sub),
		OnlineEdgeIDs: l.onlineEdgeIDs(claims.TenantID),
	}
	if err := sub.writeJSON(ready); err != nil {
		return
	}

	for {
		var cmd protocol.ConsoleCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Type == protocol.ConsoleCmdSubscribe {
			sub.narrow(cmd.EdgeServerIDs)
		}
	}
}

// Broadcast fans an order update out to every subscriber of tenantID
// that hasn't narrowed its subscription away from edgeID.
func (l *LiveOrders) Broadcast(ctx context.Context, tenantID, edgeID string, msg protocol.ConsoleMessage) {
	l.mu.RLock()
	subs := make([]*subscriber, 0, len(l.subscribers[tenantID]))
	for s := range l.subscribers[tenantID] {
		subs = append(subs, s)
	}
	l.mu.RUnlock()

	for _, s := range subs {
		if !s.wants(edgeID) {
			continue
		}
		if err := s.writeJSON(msg); err != nil {
			logger.Warn("console: subscriber write failed, resending full snapshot", zap.String("tenant_id", tenantID), zap.Error(err))
			l.recoverLaggedSubscriber(tenantID, s)
		}
	}
}

// recoverLaggedSubscriber resends a full filtered snapshot and
// re-establishes the subscription for a subscriber whose write just
// failed, instead of dropping the single update that didn't make it
// through. A second failed write here means the connection itself is
// gone; Handle's read loop will unregister it once ReadJSON errors.
func (l *LiveOrders) recoverLaggedSubscriber(tenantID string, s *subscriber) {
	full := protocol.ConsoleMessage{
		Type:          protocol.ConsoleReady,
		Snapshots:     l.filteredSnapshotsFor(tenantID, s),
		OnlineEdgeIDs: l.onlineEdgeIDs(tenantID),
	}
	if err := s.writeJSON(full); err != nil {
		logger.Warn("console: dropping lagged subscriber", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (l *LiveOrders) register(s *subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribers[s.tenant] == nil {
		l.subscribers[s.tenant] = make(map[*subscriber]struct{})
	}
	l.subscribers[s.tenant][s] = struct{}{}
}

func (l *LiveOrders) unregister(s *subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscribers[s.tenant], s)
}

func (s *subscriber) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}
