package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/crabpos/crab/internal/apperrors"
	"github.com/crabpos/crab/internal/binding"
)

// ErrSubscriptionBlocked is returned by CheckSubscriptionStatus when a
// tenant's subscription state should hold the activation gate open.
var ErrSubscriptionBlocked = fmt.Errorf("tenant: subscription not active")

// ErrQuotaExceeded is returned by the QuotaChecker func when a tenant is
// over its active-edge or active-client limit. It wraps
// apperrors.ErrQuotaExceeded.
var ErrQuotaExceeded = fmt.Errorf("tenant: %w", apperrors.ErrQuotaExceeded)

// CheckSubscriptionStatus answers the activation gate's
// SubscriptionCheck phase: it refreshes the cache inline when stale so
// the gate's exponential backoff always observes current state.
func (s *Store) CheckSubscriptionStatus(ctx context.Context, tenantID string) error {
	qc, err := s.GetQuotaCache(ctx, tenantID)
	if err != nil || qc.Stale(time.Now()) {
		if refreshErr := s.RefreshQuotaCache(ctx, tenantID); refreshErr != nil {
			return refreshErr
		}
		qc, err = s.GetQuotaCache(ctx, tenantID)
		if err != nil {
			return err
		}
	}
	if qc.SubscriptionStatus.Blocked() {
		return fmt.Errorf("%w: tenant %s is %s", ErrSubscriptionBlocked, tenantID, qc.SubscriptionStatus)
	}
	return nil
}

// CAResolver adapts the store into binding.TenantCAResolver.
func (s *Store) CAResolver() binding.TenantCAResolver {
	return func(tenantID string) ([]byte, error) {
		return s.TenantCACertPEM(context.Background(), tenantID)
	}
}

// QuotaChecker adapts the store into binding.QuotaChecker, reading the
// 5-minute quota cache rather than querying live on every handshake.
func (s *Store) QuotaChecker() binding.QuotaChecker {
	return func(tenantID string, entityType binding.EntityType) error {
		ctx := context.Background()
		qc, err := s.GetQuotaCache(ctx, tenantID)
		if err != nil {
			return err
		}
		if qc.Stale(time.Now()) {
			if err := s.RefreshQuotaCache(ctx, tenantID); err != nil {
				return err
			}
			qc, err = s.GetQuotaCache(ctx, tenantID)
			if err != nil {
				return err
			}
		}

		switch entityType {
		case binding.EntityEdgeServer:
			if qc.ActiveEdges > qc.MaxEdges {
				return fmt.Errorf("%w: %d/%d edges", ErrQuotaExceeded, qc.ActiveEdges, qc.MaxEdges)
			}
		case binding.EntityConsole:
			if qc.ActiveClients > qc.MaxClients {
				return fmt.Errorf("%w: %d/%d clients", ErrQuotaExceeded, qc.ActiveClients, qc.MaxClients)
			}
		}
		return nil
	}
}
