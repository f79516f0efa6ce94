// Package secrets custodies tenant CA private key material: it is
// fetched from AWS Secrets Manager on demand, cached briefly in
// memory, and never written to disk by the cloud process.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/logger"
)

// cacheTTL bounds how long a fetched tenant CA key stays in memory
// before the next signing call re-fetches it.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	keyPEM    string
	fetchedAt time.Time
}

// TenantCAStore fetches a tenant's CA private key PEM by tenant id,
// one Secrets Manager secret per tenant named by secretName(tenantID).
type TenantCAStore struct {
	svc        *secretsmanager.Client
	secretName func(tenantID string) string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewTenantCAStore builds a store using the default AWS credential
// chain (environment, shared config, IAM role).
func NewTenantCAStore(ctx context.Context, secretName func(tenantID string) string) (*TenantCAStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: load AWS config: %w", err)
	}
	return &TenantCAStore{
		svc:        secretsmanager.NewFromConfig(cfg),
		secretName: secretName,
		cache:      make(map[string]cacheEntry),
	}, nil
}

// GetKeyPEM returns tenantID's CA private key PEM, serving from cache
// when the entry is still within cacheTTL. CRAB_TENANT_CA_KEY_<tenantID>
// (with non-alphanumeric characters in tenantID normalized to '_') is
// consulted as a local-dev fallback when Secrets Manager has nothing.
func (s *TenantCAStore) GetKeyPEM(ctx context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	if entry, ok := s.cache[tenantID]; ok && time.Since(entry.fetchedAt) < cacheTTL {
		s.mu.Unlock()
		return entry.keyPEM, nil
	}
	s.mu.Unlock()

	name := s.secretName(tenantID)
	out, err := s.svc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err == nil && out.SecretString != nil && *out.SecretString != "" {
		keyPEM := *out.SecretString
		s.mu.Lock()
		s.cache[tenantID] = cacheEntry{keyPEM: keyPEM, fetchedAt: time.Now()}
		s.mu.Unlock()
		return keyPEM, nil
	}
	logger.Warn("secrets: tenant CA key fetch failed, trying local fallback",
		zap.String("tenant_id", tenantID), zap.Error(err))

	fallback := os.Getenv(fallbackEnvVar(tenantID))
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("secrets: no tenant CA key for tenant %s (secret %q, fallback env %q)", tenantID, name, fallbackEnvVar(tenantID))
}

func fallbackEnvVar(tenantID string) string {
	normalized := make([]byte, 0, len(tenantID))
	for _, r := range tenantID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			normalized = append(normalized, byte(r))
		} else {
			normalized = append(normalized, '_')
		}
	}
	return "CRAB_TENANT_CA_KEY_" + string(normalized)
}

// Invalidate drops tenantID's cached key, forcing the next GetKeyPEM
// call to re-fetch. Used when a tenant CA is rotated.
func (s *TenantCAStore) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}
