// Package activation drives the edge's boot-time state machine:
// opening local stores, waiting for cloud provisioning to drop
// certificate material, then gating HTTPS startup on an active
// subscription and a valid signing credential before finally serving.
package activation

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/logger"
)

// Phase names the gate's sequential states, in the order Run executes them.
type Phase string

const (
	PhaseInitialize            Phase = "Initialize"
	PhaseBackgroundTasksNoTLS  Phase = "BackgroundTasksNoTLS"
	PhaseWaitForActivation     Phase = "WaitForActivation"
	PhaseLoadTLS               Phase = "LoadTLS"
	PhaseSubscriptionCheck     Phase = "SubscriptionCheck"
	PhaseP12Check              Phase = "P12Check"
	PhaseStartTLSTasks         Phase = "StartTLSTasks"
	PhaseServeHTTPS            Phase = "ServeHTTPS"
	PhaseShutdown              Phase = "Shutdown"
)

// ErrTLSInvalid signals that the loaded TLS configuration went bad
// while serving (deleted certs, hardware mismatch); Run re-enters
// WaitForActivation rather than exiting.
var ErrTLSInvalid = errors.New("activation: tls configuration invalid, re-entering activation wait")

const (
	backoffInitial = 10 * time.Second
	backoffMax     = 300 * time.Second
)

// Hooks are the phase implementations a binary supplies; Gate only
// owns the sequencing, backoff schedule and cancellation.
type Hooks struct {
	Initialize           func(ctx context.Context) error
	BackgroundTasksNoTLS func(ctx context.Context) error
	WaitForActivation    func(ctx context.Context) error
	LoadTLS              func(ctx context.Context) (*tls.Config, error)
	CheckSubscription    func(ctx context.Context) error
	CheckP12             func(ctx context.Context) error
	StartTLSTasks        func(ctx context.Context) error
	ServeHTTPS           func(ctx context.Context, tlsConfig *tls.Config) error
	Shutdown             func(ctx context.Context) error
}

// Gate runs Hooks through the activation state machine until ctx is
// cancelled or ServeHTTPS returns a non-retryable error.
type Gate struct {
	hooks Hooks
}

func New(hooks Hooks) *Gate {
	return &Gate{hooks: hooks}
}

// Run drives the phases to completion. A shutdown driven by ctx
// cancellation returns nil or ctx's error; otherwise Run returns the
// error of the phase that ended it, or nil when ServeHTTPS returned
// without error.
func (g *Gate) Run(ctx context.Context) error {
	if err := g.hooks.Initialize(ctx); err != nil {
		return err
	}
	if err := g.hooks.BackgroundTasksNoTLS(ctx); err != nil {
		return err
	}

	for {
		logger.Info("activation: entering phase", phaseField(PhaseWaitForActivation))
		if err := g.hooks.WaitForActivation(ctx); err != nil {
			return g.shutdown(ctx, err)
		}
		if ctx.Err() != nil {
			return g.shutdown(ctx, nil)
		}

		logger.Info("activation: entering phase", phaseField(PhaseLoadTLS))
		tlsConfig, err := g.hooks.LoadTLS(ctx)
		if err != nil {
			logger.Warn("activation: LoadTLS failed, re-entering WaitForActivation")
			continue
		}

		logger.Info("activation: entering phase", phaseField(PhaseSubscriptionCheck))
		if err := g.retryWithBackoff(ctx, g.hooks.CheckSubscription); err != nil {
			return g.shutdown(ctx, err)
		}

		logger.Info("activation: entering phase", phaseField(PhaseP12Check))
		if err := g.retryWithBackoff(ctx, g.hooks.CheckP12); err != nil {
			return g.shutdown(ctx, err)
		}

		logger.Info("activation: entering phase", phaseField(PhaseStartTLSTasks))
		if err := g.hooks.StartTLSTasks(ctx); err != nil {
			return g.shutdown(ctx, err)
		}

		logger.Info("activation: entering phase", phaseField(PhaseServeHTTPS))
		err = g.hooks.ServeHTTPS(ctx, tlsConfig)
		if errors.Is(err, ErrTLSInvalid) {
			logger.Warn("activation: tls invalidated mid-boot, re-entering WaitForActivation")
			continue
		}
		return g.shutdown(ctx, err)
	}
}

// retryWithBackoff retries fn with the 10s→300s schedule until it
// succeeds or ctx is cancelled.
func (g *Gate) retryWithBackoff(ctx context.Context, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitial
	bo.MaxInterval = backoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // exact 10->20->40->80->160->300 schedule, no jitter
	bo.MaxElapsedTime = 0     // retry until cancelled, never give up on its own

	return backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fn(ctx)
	}, backoff.WithContext(bo, ctx))
}

func phaseField(p Phase) zap.Field { return zap.String("phase", string(p)) }

func (g *Gate) shutdown(ctx context.Context, cause error) error {
	logger.Info("activation: entering phase", phaseField(PhaseShutdown))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.hooks.Shutdown(shutdownCtx); err != nil {
		logger.Error("activation: shutdown hook failed")
		if cause == nil {
			return err
		}
	}
	return cause
}
