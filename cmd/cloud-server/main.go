// Command cloud-server is the control plane's HTTP/WebSocket gateway:
// it accepts mTLS connections from edges on /api/edge/ws and
// /api/edge/sync, authenticated consoles on
// /api/tenant/live-orders/ws, persists catalog and order-archive sync
// batches, and pushes catalog RPCs back down to connected edges.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/binding"
	"github.com/crabpos/crab/internal/cloud/catalogstore"
	"github.com/crabpos/crab/internal/cloud/syncapplier"
	"github.com/crabpos/crab/internal/cloud/tenant"
	"github.com/crabpos/crab/internal/cloudsync/console"
	"github.com/crabpos/crab/internal/cloudsync/protocol"
	"github.com/crabpos/crab/internal/cloudsync/server"
	"github.com/crabpos/crab/internal/config"
	"github.com/crabpos/crab/internal/logger"
)

func main() {
	config.LoadDotenv()

	cfg, err := config.LoadCloud()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cloud-server: config:", err)
		os.Exit(1)
	}

	logger.Init(cfg.Stage)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenantStore, err := tenant.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("cloud-server: open tenant store", zap.Error(err))
	}
	defer tenantStore.Close()

	catalogStore, err := catalogstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("cloud-server: open catalog store", zap.Error(err))
	}
	defer catalogStore.Close()

	applier, err := syncapplier.Open(ctx, cfg.DatabaseURL, catalogStore)
	if err != nil {
		logger.Fatal("cloud-server: open sync applier", zap.Error(err))
	}
	defer applier.Close()

	var liveOrders *console.LiveOrders
	if cfg.JWKSURL != "" {
		auth, err := console.NewAuthenticator(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			logger.Fatal("cloud-server: init console authenticator", zap.Error(err))
		}
		liveOrders = console.NewLiveOrders(auth)
	} else {
		logger.Warn("cloud-server: CONSOLE_JWKS_URL unset, live-orders console disabled")
	}

	sink := &liveOrderSink{console: liveOrders}
	syncServer := server.New(applier, sink)

	router := gin.New()
	router.Use(gin.Recovery())

	edgeAuth := binding.Middleware(tenantStore.CAResolver(), tenantStore.QuotaChecker())
	router.GET("/api/edge/ws", edgeAuth, syncServer.Handle)
	router.POST("/api/edge/sync", edgeAuth, httpSyncFallback(applier))

	if liveOrders != nil {
		router.GET("/api/tenant/live-orders/ws", liveOrders.Handle)
	}

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	httpSrv := &http.Server{
		Addr:      fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:   router,
		TLSConfig: mTLSConfig(),
	}

	go func() {
		logger.Info("cloud-server: listening", zap.Int("port", cfg.HTTPPort))
		var err error
		if httpSrv.TLSConfig != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("cloud-server: serve failed", zap.Error(err))
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan

	logger.Info("cloud-server: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("cloud-server: shutdown error", zap.Error(err))
	}
}

// mTLSConfig builds the server TLS config for the edge-facing routes.
// It requests (does not require) a client certificate and does not
// verify the presented chain: binding.Middleware rejects a request
// with no peer certificate, and accepts one only when the signed
// binding carries that leaf's fingerprint and verifies against the
// tenant's CA.
func mTLSConfig() *tls.Config {
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	if certFile == "" || keyFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		logger.Fatal("cloud-server: load server TLS cert", zap.Error(err))
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		ClientCAs:    x509.NewCertPool(),
		MinVersion:   tls.VersionTLS12,
	}
}

// httpSyncFallback serves the non-WebSocket sync path for edges that
// cannot establish the mTLS WebSocket; the batch shape is identical,
// just carried over a single request/response instead of a session.
func httpSyncFallback(applier *syncapplier.Applier) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, ok := binding.FromContext(c)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var msg protocol.CloudMessage
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		accepted, rejected, errs := applier.Apply(c.Request.Context(), b.TenantID, msg.Items)
		c.JSON(http.StatusOK, protocol.CloudMessage{Type: protocol.MsgSyncAck, Accepted: accepted, Rejected: rejected, Errors: errs})
	}
}

// liveOrderSink adapts cloudsync/server.LiveOrderSink's edge→cloud
// push shape to the console fan-out's ConsoleMessage vocabulary.
type liveOrderSink struct {
	console *console.LiveOrders
}

func (s *liveOrderSink) Update(tenantID, edgeID string, snapshot protocol.CloudMessage) {
	if s.console == nil || snapshot.Snapshot == nil {
		return
	}
	s.console.UpsertActiveOrder(tenantID, edgeID, snapshot.Snapshot)
	s.console.Broadcast(context.Background(), tenantID, edgeID, protocol.ConsoleMessage{
		Type:     protocol.ConsoleOrderUpdated,
		Snapshot: snapshot.Snapshot,
	})
}

func (s *liveOrderSink) Remove(tenantID, edgeID, orderID string) {
	if s.console == nil {
		return
	}
	s.console.RemoveActiveOrder(tenantID, orderID)
	s.console.Broadcast(context.Background(), tenantID, edgeID, protocol.ConsoleMessage{
		Type:    protocol.ConsoleOrderRemoved,
		OrderID: orderID,
	})
}

// EdgeOnline reports an edge's connect/disconnect transition to the
// live-orders console, clearing any orders it owned on disconnect
// since they stop being live the instant sync drops.
func (s *liveOrderSink) EdgeOnline(tenantID, edgeID string, online bool) {
	if s.console == nil {
		return
	}
	cleared := s.console.SetEdgeOnline(tenantID, edgeID, online)
	s.console.Broadcast(context.Background(), tenantID, edgeID, protocol.ConsoleMessage{
		Type:            protocol.ConsoleEdgeStatus,
		EdgeID:          edgeID,
		Online:          online,
		ClearedOrderIDs: cleared,
	})
}
