// Package tenant is the cloud's read path into tenant, subscription
// and quota state. Subscription lifecycle (proration, invoices,
// dunning) is out of scope here; this package only answers the
// activation gate's subscription check and the mTLS gateway's quota
// enforcement.
package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionStatus mirrors the tenant row's subscription_status column.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
	StatusExpired  SubscriptionStatus = "expired"
)

// Blocked reports whether status should hold the activation gate open
// with backoff rather than letting the edge proceed.
func (s SubscriptionStatus) Blocked() bool {
	switch s {
	case StatusCanceled, StatusUnpaid, StatusExpired, StatusPastDue:
		return true
	default:
		return false
	}
}

// Tenant is the narrow projection of the tenant row this service needs.
type Tenant struct {
	TenantID           string
	Name               string
	SubscriptionStatus SubscriptionStatus
	PlanID             string
	MaxEdges           int
	MaxClients         int
}

// Store reads tenant/subscription/quota rows from Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a pgxpool against databaseURL and wraps it in a Store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("tenant: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("tenant: ping: %w", err)
	}
	return NewStore(pool), nil
}

func (s *Store) Close() { s.pool.Close() }

// GetTenant loads tenantID's narrow projection, used by both the
// activation gate's SubscriptionCheck and the mTLS quota middleware.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, name, subscription_status, plan_id, max_edges, max_clients
		FROM tenants
		WHERE tenant_id = $1
	`, tenantID)

	var t Tenant
	var status string
	if err := row.Scan(&t.TenantID, &t.Name, &status, &t.PlanID, &t.MaxEdges, &t.MaxClients); err != nil {
		return Tenant{}, fmt.Errorf("tenant: load %s: %w", tenantID, err)
	}
	t.SubscriptionStatus = SubscriptionStatus(status)
	return t, nil
}

// CountActiveEdges returns how many edge servers are currently
// connected/registered for tenantID, for quota enforcement.
func (s *Store) CountActiveEdges(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM edge_servers WHERE tenant_id = $1 AND status = 'online'
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tenant: count active edges for %s: %w", tenantID, err)
	}
	return count, nil
}

// CountActiveConsoleClients returns how many console websocket clients
// are currently connected for tenantID.
func (s *Store) CountActiveConsoleClients(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM console_sessions WHERE tenant_id = $1 AND status = 'connected'
	`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tenant: count console clients for %s: %w", tenantID, err)
	}
	return count, nil
}

// TenantCACertPEM returns tenantID's CA certificate (public, unlike
// the private key which lives in internal/cloud/secrets).
func (s *Store) TenantCACertPEM(ctx context.Context, tenantID string) ([]byte, error) {
	var pem []byte
	err := s.pool.QueryRow(ctx, `
		SELECT ca_cert_pem FROM tenant_certificate_authorities WHERE tenant_id = $1
	`, tenantID).Scan(&pem)
	if err != nil {
		return nil, fmt.Errorf("tenant: load CA cert for %s: %w", tenantID, err)
	}
	return pem, nil
}

// ListTenantIDs returns every tenant id on record, for the background
// job that periodically refreshes the quota cache.
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT tenant_id FROM tenants`)
	if err != nil {
		return nil, fmt.Errorf("tenant: list tenant ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tenant: scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QuotaCache is the refreshed snapshot consumed by both the activation
// gate's SubscriptionCheck and the mTLS gateway's quota middleware.
type QuotaCache struct {
	TenantID           string
	SubscriptionStatus SubscriptionStatus
	ActiveEdges        int
	MaxEdges           int
	ActiveClients      int
	MaxClients         int
	RefreshedAt        time.Time
}

// RefreshQuotaCache recomputes tenantID's active-edge/client counts
// against its plan limits and persists the result with a fresh
// timestamp; readers treat an entry older than 5 minutes as stale.
func (s *Store) RefreshQuotaCache(ctx context.Context, tenantID string) error {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	activeEdges, err := s.CountActiveEdges(ctx, tenantID)
	if err != nil {
		return err
	}
	activeClients, err := s.CountActiveConsoleClients(ctx, tenantID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_quota_cache (tenant_id, subscription_status, active_edges, max_edges, active_clients, max_clients, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			subscription_status = EXCLUDED.subscription_status,
			active_edges = EXCLUDED.active_edges,
			max_edges = EXCLUDED.max_edges,
			active_clients = EXCLUDED.active_clients,
			max_clients = EXCLUDED.max_clients,
			refreshed_at = now()
	`, tenantID, string(t.SubscriptionStatus), activeEdges, t.MaxEdges, activeClients, t.MaxClients)
	if err != nil {
		return fmt.Errorf("tenant: persist quota cache for %s: %w", tenantID, err)
	}
	return nil
}

// quotaCacheTTL bounds how stale a cached quota read may be before a
// caller should treat it as untrustworthy and refresh inline.
const quotaCacheTTL = 5 * time.Minute

// GetQuotaCache reads tenantID's cached quota snapshot. The caller
// decides whether RefreshedAt is too stale to trust.
func (s *Store) GetQuotaCache(ctx context.Context, tenantID string) (QuotaCache, error) {
	var qc QuotaCache
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, subscription_status, active_edges, max_edges, active_clients, max_clients, refreshed_at
		FROM tenant_quota_cache WHERE tenant_id = $1
	`, tenantID).Scan(&qc.TenantID, &status, &qc.ActiveEdges, &qc.MaxEdges, &qc.ActiveClients, &qc.MaxClients, &qc.RefreshedAt)
	if err != nil {
		return QuotaCache{}, fmt.Errorf("tenant: load quota cache for %s: %w", tenantID, err)
	}
	qc.SubscriptionStatus = SubscriptionStatus(status)
	return qc, nil
}

// Stale reports whether qc is older than the 5-minute quota cache TTL.
func (qc QuotaCache) Stale(now time.Time) bool {
	return now.Sub(qc.RefreshedAt) > quotaCacheTTL
}
