// Package catalogstore is the cloud's durable copy of each tenant's
// catalog: tags, categories, products and attributes, kept in Postgres
// as one catalog.StoreSnapshot per tenant. Catalog ops carried in edge
// sync batches are folded into it with the same catalog.Apply the
// edge's internal/catalogmirror uses.
package catalogstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crabpos/crab/internal/catalog"
)

// Store persists catalog.StoreSnapshot fragments per tenant.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("catalogstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("catalogstore: ping: %w", err)
	}
	return NewStore(pool), nil
}

func (s *Store) Close() { s.pool.Close() }

// ReplaceSnapshot overwrites tenantID's mirrored catalog with snap in
// a single transaction, used when an edge sends a FullSync batch.
func (s *Store) ReplaceSnapshot(ctx context.Context, tenantID string, snap catalog.StoreSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("catalogstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("catalogstore: marshal snapshot: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO catalog_mirrors (tenant_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()
	`, tenantID, blob)
	if err != nil {
		return fmt.Errorf("catalogstore: upsert snapshot for %s: %w", tenantID, err)
	}

	return tx.Commit(ctx)
}

// ApplyOps folds an incremental batch of catalog RPC operations into
// tenantID's mirror: load current snapshot, apply in order, persist.
// This mirrors the edge's own catalog.Apply semantics so console reads
// of the cloud mirror agree with what the edge would show.
func (s *Store) ApplyOps(ctx context.Context, tenantID string, ops []catalog.Op) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("catalogstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	snap, err := loadSnapshotTx(ctx, tx, tenantID)
	if err != nil {
		return err
	}

	for _, op := range ops {
		if err := catalog.Apply(&snap, op); err != nil {
			return fmt.Errorf("catalogstore: apply op %s for %s: %w", op.Type, tenantID, err)
		}
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("catalogstore: marshal snapshot: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO catalog_mirrors (tenant_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()
	`, tenantID, blob)
	if err != nil {
		return fmt.Errorf("catalogstore: upsert snapshot for %s: %w", tenantID, err)
	}

	return tx.Commit(ctx)
}

// GetSnapshot returns tenantID's mirrored catalog, or an empty
// snapshot if the tenant has never synced one up.
func (s *Store) GetSnapshot(ctx context.Context, tenantID string) (catalog.StoreSnapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return catalog.StoreSnapshot{}, fmt.Errorf("catalogstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	return loadSnapshotTx(ctx, tx, tenantID)
}

func loadSnapshotTx(ctx context.Context, tx pgx.Tx, tenantID string) (catalog.StoreSnapshot, error) {
	var blob []byte
	err := tx.QueryRow(ctx, `SELECT snapshot FROM catalog_mirrors WHERE tenant_id = $1`, tenantID).Scan(&blob)
	if err == pgx.ErrNoRows {
		return catalog.NewStoreSnapshot(), nil
	}
	if err != nil {
		return catalog.StoreSnapshot{}, fmt.Errorf("catalogstore: load snapshot for %s: %w", tenantID, err)
	}
	var snap catalog.StoreSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return catalog.StoreSnapshot{}, fmt.Errorf("catalogstore: unmarshal snapshot for %s: %w", tenantID, err)
	}
	return snap, nil
}
