// Package syncapplier adapts the catalog mirror and the order archive
// into cloudsync/server.BatchApplier: the single entry point that
// turns an edge's SyncBatch into persisted rows and an accepted/
// rejected verdict per item.
package syncapplier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/catalog"
	"github.com/crabpos/crab/internal/cloud/catalogstore"
	"github.com/crabpos/crab/internal/cloudsync/protocol"
	"github.com/crabpos/crab/internal/logger"
)

// Applier persists incoming sync items and tracks the per-resource
// cursor the cloud reports back in Welcome.
type Applier struct {
	catalog *catalogstore.Store
	pool    *pgxpool.Pool
}

// Open opens a pool against databaseURL for the archive/cursor tables
// this package owns, sharing catalog's connection for catalog ops.
func Open(ctx context.Context, databaseURL string, catalogStore *catalogstore.Store) (*Applier, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("syncapplier: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("syncapplier: ping: %w", err)
	}
	return &Applier{catalog: catalogStore, pool: pool}, nil
}

func (a *Applier) Close() { a.pool.Close() }

// catalogResources names the item resources that round-trip through
// catalog.Op rather than the generic order/report archive.
var catalogResources = map[string]bool{
	"product": true, "category": true, "tag": true, "attribute": true,
}

// Apply persists each item and reports which were accepted.
func (a *Applier) Apply(ctx context.Context, tenantID string, items []protocol.CloudSyncItem) (accepted, rejected, errs []string) {
	for _, item := range items {
		var err error
		switch {
		case catalogResources[item.Resource]:
			err = a.applyCatalogItem(ctx, tenantID, item)
		case item.Resource == "order" || item.Resource == "daily_report":
			err = a.archiveItem(ctx, tenantID, item)
		default:
			err = fmt.Errorf("unknown resource %q", item.Resource)
		}

		if err != nil {
			rejected = append(rejected, item.ResourceID)
			errs = append(errs, err.Error())
			logger.Warn("syncapplier: item rejected",
				zap.String("tenant_id", tenantID), zap.String("resource", item.Resource),
				zap.String("resource_id", item.ResourceID), zap.Error(err))
			continue
		}

		if err := a.bumpCursor(ctx, tenantID, item.Resource, item.Version); err != nil {
			logger.Error("syncapplier: cursor bump failed", zap.Error(err))
		}
		accepted = append(accepted, item.ResourceID)
	}
	return accepted, rejected, errs
}

func (a *Applier) applyCatalogItem(ctx context.Context, tenantID string, item protocol.CloudSyncItem) error {
	var op catalog.Op
	if err := json.Unmarshal(item.Data, &op); err != nil {
		return fmt.Errorf("unmarshal catalog op: %w", err)
	}
	return a.catalog.ApplyOps(ctx, tenantID, []catalog.Op{op})
}

// archiveItem persists an order or daily-report item's raw payload.
// The cloud never re-derives order state from these rows, it only
// keeps them for the console and for reporting, so the column is the
// item's own JSON body verbatim. There is one row per resource id; an
// item replaces it only when its version is higher than the stored one.
func (a *Applier) archiveItem(ctx context.Context, tenantID string, item protocol.CloudSyncItem) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO cloud_archive (tenant_id, resource, resource_id, version, action, data, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tenant_id, resource, resource_id) DO UPDATE SET
			version = EXCLUDED.version,
			action = EXCLUDED.action,
			data = EXCLUDED.data,
			received_at = now()
		WHERE cloud_archive.version < EXCLUDED.version
	`, tenantID, item.Resource, item.ResourceID, item.Version, item.Action, item.Data)
	if err != nil {
		return fmt.Errorf("archive %s %s: %w", item.Resource, item.ResourceID, err)
	}
	return nil
}

func (a *Applier) bumpCursor(ctx context.Context, tenantID, resource string, version uint64) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO sync_cursors (tenant_id, resource, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, resource) DO UPDATE SET
			version = EXCLUDED.version
		WHERE sync_cursors.version < EXCLUDED.version
	`, tenantID, resource, version)
	return err
}

// Cursors returns tenantID's per-resource high-watermark, sent in
// Welcome so the edge resends only what the cloud hasn't acked.
func (a *Applier) Cursors(ctx context.Context, tenantID string) (map[string]uint64, error) {
	rows, err := a.pool.Query(ctx, `SELECT resource, version FROM sync_cursors WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("syncapplier: load cursors for %s: %w", tenantID, err)
	}
	defer rows.Close()

	cursors := make(map[string]uint64)
	for rows.Next() {
		var resource string
		var version uint64
		if err := rows.Scan(&resource, &version); err != nil {
			return nil, err
		}
		cursors[resource] = version
	}
	return cursors, rows.Err()
}
