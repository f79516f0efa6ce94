// Command edge-server is the on-premise process: it owns the embedded
// event log/snapshot store, serves POS clients over the message bus's
// mTLS TCP transport, and drives the activation state machine that
// gates HTTPS startup on a provisioned certificate and an active
// subscription. Exit codes: 0 clean shutdown, 1 configuration error,
// 2 hardware-binding mismatch, 3 unrecoverable store corruption.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/activation"
	"github.com/crabpos/crab/internal/apperrors"
	"github.com/crabpos/crab/internal/catalog"
	"github.com/crabpos/crab/internal/catalogmirror"
	"github.com/crabpos/crab/internal/cloudsync/client"
	"github.com/crabpos/crab/internal/cloudsync/outbox"
	"github.com/crabpos/crab/internal/cloudsync/protocol"
	"github.com/crabpos/crab/internal/commands"
	"github.com/crabpos/crab/internal/config"
	"github.com/crabpos/crab/internal/eventstore"
	"github.com/crabpos/crab/internal/logger"
	"github.com/crabpos/crab/internal/messagebus"
	"github.com/crabpos/crab/internal/order"
	"github.com/crabpos/crab/internal/ordersmanager"
	"github.com/crabpos/crab/internal/pki"
	"github.com/crabpos/crab/internal/snapshotstore"
	"github.com/crabpos/crab/internal/storage"

	"go.etcd.io/bbolt"
)

const activationPollInterval = 2 * time.Second

func main() {
	config.LoadDotenv()

	cfg, err := config.LoadEdge()
	if err != nil {
		fmt.Fprintln(os.Stderr, "edge-server: config:", err)
		os.Exit(1)
	}

	logger.Init(cfg.Environment)
	defer logger.Sync()

	app := &application{cfg: cfg}
	ctx, cancel := context.WithCancel(context.Background())
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		logger.Info("edge-server: signal received, shutting down")
		cancel()
	}()
	defer cancel()

	gate := app.buildGate()
	runErr := gate.Run(ctx)
	defer app.close()

	switch {
	case runErr == nil || errors.Is(runErr, context.Canceled):
		os.Exit(0)
	case errors.Is(runErr, apperrors.ErrHardwareIDMismatch):
		logger.Error("edge-server: hardware binding mismatch", zap.Error(runErr))
		os.Exit(2)
	case errors.Is(runErr, apperrors.ErrStoreCorruption):
		logger.Error("edge-server: unrecoverable store corruption", zap.Error(runErr))
		os.Exit(3)
	default:
		logger.Error("edge-server: exited with error", zap.Error(runErr))
		os.Exit(1)
	}
}

// application holds every long-lived dependency the activation phases
// wire together; fields are populated incrementally as phases run.
type application struct {
	cfg config.Edge

	db       *storage.DB
	manager  *ordersmanager.Manager
	bus      *messagebus.Bus
	outbox   *outbox.Store
	mirror   *catalogmirror.Mirror
	hardware string

	tcpTransport *messagebus.TCPTransport
	syncClient   *client.Client
	httpSrv      *http.Server
	tlsConfig    *tls.Config
}

func (a *application) certsDir() string    { return filepath.Join(a.cfg.WorkDir, "certs") }
func (a *application) databaseDir() string { return filepath.Join(a.cfg.WorkDir, "database") }
func (a *application) authDir() string     { return filepath.Join(a.cfg.WorkDir, "auth_storage") }
func (a *application) imagesDir() string   { return filepath.Join(a.cfg.WorkDir, "images") }
func (a *application) logsDir() string     { return filepath.Join(a.cfg.WorkDir, "logs") }

// buildGate wires application's phase methods into activation.Hooks; the
// gate itself only owns sequencing and the subscription/P12 backoff.
func (a *application) buildGate() *activation.Gate {
	return activation.New(activation.Hooks{
		Initialize:           a.initialize,
		BackgroundTasksNoTLS: a.backgroundTasksNoTLS,
		WaitForActivation:    a.waitForActivation,
		LoadTLS:              a.loadTLSHook,
		CheckSubscription:    a.checkSubscription,
		CheckP12:             a.checkP12,
		StartTLSTasks:        a.startTLSTasks,
		ServeHTTPS:           a.serveHTTPS,
		Shutdown:             a.shutdown,
	})
}

func (a *application) close() {
	if a.tcpTransport != nil {
		a.tcpTransport.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// initialize creates the work directory layout and opens the embedded
// store. A hardware-binding mismatch against a cert left over from a
// prior activation is fatal: the edge has moved to different hardware
// and must be re-provisioned, not retried with backoff.
func (a *application) initialize(ctx context.Context) error {
	for _, dir := range []string{a.certsDir(), a.databaseDir(), a.authDir(), a.imagesDir(), a.logsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("edge-server: create %s: %w", dir, err)
		}
	}

	hwID, err := pki.GenerateHardwareID()
	if err != nil {
		return fmt.Errorf("edge-server: compute hardware id: %w", err)
	}
	a.hardware = hwID

	if err := a.checkHardwareBinding(); err != nil {
		return err
	}

	db, err := storage.Open(filepath.Join(a.databaseDir(), "store.db"))
	if err != nil {
		return fmt.Errorf("%w: open embedded store: %v", apperrors.ErrStoreCorruption, err)
	}
	a.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		if err := eventstore.EnsureBuckets(tx); err != nil {
			return err
		}
		if err := snapshotstore.EnsureBuckets(tx); err != nil {
			return err
		}
		if err := outbox.EnsureBuckets(tx); err != nil {
			return err
		}
		return catalogmirror.EnsureBuckets(tx)
	}); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreCorruption, err)
	}

	a.bus = messagebus.New()
	a.manager = ordersmanager.New(a.db, a.bus)
	a.outbox = outbox.New(a.db)
	a.mirror = catalogmirror.New(a.db)
	a.manager.SetRuleSource(mirrorRuleSource{a.mirror})
	return nil
}

// mirrorRuleSource adapts the catalog mirror's MG rule lookup to
// ordersmanager.RuleSource, converting each catalog.MgRule into the
// order.MgRuleSnapshot shape a LinkMember command embeds in its event.
type mirrorRuleSource struct {
	mirror *catalogmirror.Mirror
}

func (s mirrorRuleSource) MgRulesForGroup(marketingGroup string) ([]order.MgRuleSnapshot, error) {
	rules, err := s.mirror.MgRulesForGroup(marketingGroup)
	if err != nil {
		return nil, err
	}
	snaps := make([]order.MgRuleSnapshot, len(rules))
	for i, r := range rules {
		snaps[i] = order.MgRuleSnapshot{
			RuleID:    r.ID,
			RuleName:  r.Name,
			ProductID: r.ProductID,
			Percent:   r.Percent,
		}
	}
	return snaps, nil
}

// checkHardwareBinding compares this boot's hardware id against the
// one embedded in any already-provisioned edge certificate. A cert
// present for different hardware means the edge was physically
// replaced without re-provisioning.
func (a *application) checkHardwareBinding() error {
	certPath := filepath.Join(a.certsDir(), "edge_cert.pem")
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return nil // not yet provisioned; nothing to compare against
	}
	meta, err := pki.MetadataFromPEM(raw)
	if err != nil {
		return nil
	}
	if meta.HardwareID != "" && meta.HardwareID != a.hardware {
		return fmt.Errorf("%w: cert bound to %s, running on %s", apperrors.ErrHardwareIDMismatch, meta.HardwareID, a.hardware)
	}
	return nil
}

// backgroundTasksNoTLS starts the outbox feed from the bus's archive
// channel (guaranteed delivery for every event) before any network
// identity is available.
func (a *application) backgroundTasksNoTLS(ctx context.Context) error {
	go a.drainArchive(ctx)
	go a.drainSync(ctx)
	logger.Info("edge-server: background tasks started", zap.String("hardware_id", a.hardware))
	return nil
}

// drainArchive durably records every committed event as an outbox
// "order" item; this is the channel Bus.Publish sends on with a
// blocking call, so nothing here is ever silently dropped.
func (a *application) drainArchive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sync, ok := <-a.bus.Archive():
			if !ok {
				return
			}
			data, err := json.Marshal(sync.Snapshot)
			if err != nil {
				logger.Error("edge-server: marshal order snapshot failed", zap.Error(err))
				continue
			}
			if err := a.outbox.Append("order", sync.Snapshot.OrderID, "upsert", data); err != nil {
				logger.Error("edge-server: outbox append failed", zap.String("order_id", sync.Snapshot.OrderID), zap.Error(err))
			}
		}
	}
}

// drainSync pushes a low-latency ActiveOrderSnapshot preview to the
// cloud for the live-orders console; best-effort, since the durable
// outbox (fed by drainArchive) is the authoritative path.
func (a *application) drainSync(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sync, ok := <-a.bus.Sync():
			if !ok {
				return
			}
			if a.syncClient == nil {
				continue
			}
			a.syncClient.PushLive(protocol.CloudMessage{
				Type:     protocol.MsgActiveOrderSnapshot,
				OrderID:  sync.Snapshot.OrderID,
				Snapshot: sync.Snapshot,
			})
		}
	}
}

// waitForActivation polls for the certificate material a provisioning
// step drops into certs/, as documented on internal/binding's package
// doc: the activation gate waits for cloud provisioning, it never
// dials out to request it.
func (a *application) waitForActivation(ctx context.Context) error {
	for {
		if a.hasCertMaterial() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(activationPollInterval):
		}
	}
}

func (a *application) hasCertMaterial() bool {
	for _, name := range []string{"edge_cert.pem", "edge_key.pem", "tenant_ca.pem"} {
		if _, err := os.Stat(filepath.Join(a.certsDir(), name)); err != nil {
			return false
		}
	}
	return true
}

// loadTLSHook adapts loadTLS to the activation.Hooks shape and caches
// the result on application so startTLSTasks can reuse it for both the
// message bus listener and the cloud sync client.
func (a *application) loadTLSHook(ctx context.Context) (*tls.Config, error) {
	cfg, err := a.loadTLS(ctx)
	if err != nil {
		return nil, err
	}
	a.tlsConfig = cfg
	return cfg, nil
}

// loadTLS builds the mTLS client config the edge presents to the
// cloud and the server config it presents to POS clients on the
// message bus TCP transport; both share the same tenant-issued cert.
func (a *application) loadTLS(ctx context.Context) (*tls.Config, error) {
	certPEM, err := os.ReadFile(filepath.Join(a.certsDir(), "edge_cert.pem"))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(a.certsDir(), "edge_key.pem"))
	if err != nil {
		return nil, err
	}
	tenantCAPEM, err := os.ReadFile(filepath.Join(a.certsDir(), "tenant_ca.pem"))
	if err != nil {
		return nil, err
	}

	meta, err := pki.MetadataFromPEM(certPEM)
	if err != nil {
		return nil, err
	}
	if meta.HardwareID != a.hardware {
		return nil, fmt.Errorf("%w: cert bound to %s, running on %s", apperrors.ErrHardwareIDMismatch, meta.HardwareID, a.hardware)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("edge-server: parse edge cert/key: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(tenantCAPEM) {
		return nil, fmt.Errorf("edge-server: tenant_ca.pem contains no usable certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// checkSubscription asks the cloud whether this tenant's subscription
// is currently blocked; any status other than 200, or a network error,
// is returned as an error and retried with the gate's own exponential
// backoff.
func (a *application) checkSubscription(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.AuthServerURL+"/api/edge/subscription-status", nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("edge-server: subscription check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: subscription check returned %d", apperrors.ErrSubscriptionBlocked, resp.StatusCode)
	}
	return nil
}

// checkP12 verifies the payment-processor client certificate bundle
// is present when the deployment requires one; most tenants don't
// integrate a payment processor needing mTLS of its own, so this is
// opt-in via PAYMENT_P12_REQUIRED.
func (a *application) checkP12(ctx context.Context) error {
	if os.Getenv("PAYMENT_P12_REQUIRED") != "true" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(a.certsDir(), "payment.p12")); err != nil {
		return fmt.Errorf("edge-server: payment p12 missing: %w", err)
	}
	return nil
}

func (a *application) httpClient() *http.Client {
	return &http.Client{Timeout: a.cfg.RequestTimeout}
}

// startTLSTasks brings up the message bus's TCP transport for POS
// clients and the cloud sync client, both of which need the mTLS
// config loaded in loadTLS.
func (a *application) startTLSTasks(ctx context.Context) error {
	tcpTransport, err := messagebus.ListenTCP(fmt.Sprintf(":%d", a.cfg.MessageTCPPort), a.tlsConfig)
	if err != nil {
		return fmt.Errorf("edge-server: listen tcp: %w", err)
	}
	tcpTransport.OnRequest = a.handleRequestCommand
	a.bus.Register(tcpTransport)
	a.tcpTransport = tcpTransport

	wsURL := wsURLFromHTTP(a.cfg.AuthServerURL) + "/api/edge/ws"
	syncClient := client.New(wsURL, a.cfg.AuthServerURL+"/api/edge/sync", a.tlsConfig, a.outbox, a.applyCatalogRPC)
	a.syncClient = syncClient
	go func() {
		if err := syncClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("edge-server: cloud sync client stopped", zap.Error(err))
		}
	}()

	logger.Info("edge-server: tls tasks started", zap.Int("message_tcp_port", a.cfg.MessageTCPPort))
	return nil
}

func wsURLFromHTTP(httpURL string) string {
	switch {
	case len(httpURL) >= 8 && httpURL[:8] == "https://":
		return "wss://" + httpURL[8:]
	case len(httpURL) >= 7 && httpURL[:7] == "http://":
		return "ws://" + httpURL[7:]
	default:
		return httpURL
	}
}

func (a *application) applyCatalogRPC(ctx context.Context, op catalog.Op) protocol.RpcResultData {
	if err := a.mirror.ApplyOp(op); err != nil {
		return protocol.RpcResultData{Success: false, Error: err.Error()}
	}
	return protocol.RpcResultData{Success: true}
}

// handleRequestCommand is the TCP transport's dispatcher: it decodes a
// POS client's RequestCommand into a commands.Command, executes it
// against the order named in the envelope, and replies with the
// resulting events (or the error) keyed by the same correlation id.
func (a *application) handleRequestCommand(req messagebus.RequestCommand) messagebus.Response {
	var env commands.Envelope
	if err := json.Unmarshal(req.Params, &env); err != nil {
		return messagebus.Response{CorrelationID: req.CorrelationID, Error: err.Error()}
	}
	cmd, err := commands.Dispatch(env.Method, env.Params)
	if err != nil {
		return messagebus.Response{CorrelationID: req.CorrelationID, Error: err.Error()}
	}
	meta := commands.Metadata{
		CommandID:    env.CommandID,
		OperatorID:   env.OperatorID,
		OperatorName: env.Operator,
		Timestamp:    env.Timestamp,
	}
	events, snap, err := a.manager.Execute(env.OrderID, cmd, meta)
	if err != nil {
		return messagebus.Response{CorrelationID: req.CorrelationID, Error: err.Error()}
	}
	result, err := json.Marshal(struct {
		Events   interface{} `json:"events"`
		Snapshot interface{} `json:"snapshot"`
	}{events, snap})
	if err != nil {
		return messagebus.Response{CorrelationID: req.CorrelationID, Error: err.Error()}
	}
	return messagebus.Response{CorrelationID: req.CorrelationID, Result: result}
}

// serveHTTPS runs the edge's local HTTP(S) surface (health checks and
// any LAN-facing status endpoints) until ctx is cancelled.
func (a *application) serveHTTPS(ctx context.Context, tlsConfig *tls.Config) error {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	a.httpSrv = &http.Server{
		Addr:      fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:   router,
		TLSConfig: tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpSrv.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("edge-server: http shutdown error", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (a *application) shutdown(ctx context.Context) error {
	if a.tcpTransport != nil {
		a.tcpTransport.Close()
	}
	return nil
}
