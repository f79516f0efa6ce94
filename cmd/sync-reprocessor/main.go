// Command sync-reprocessor is an AWS Lambda triggered by the SQS dead
// letter queue that catches CloudSyncItems the sync server rejected
// (a SyncAck with a non-empty rejected list). It retries each item
// against the catalog store with backoff, and gives up after
// a bounded number of attempts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/crabpos/crab/internal/catalog"
	"github.com/crabpos/crab/internal/cloud/catalogstore"
	"github.com/crabpos/crab/internal/cloudsync/protocol"
	"github.com/crabpos/crab/internal/logger"
)

// Application holds the reprocessor's dependencies.
type Application struct {
	catalog        *catalogstore.Store
	maxRetries     int
	retryBackoffMs int
}

// RejectedItemMessage is the DLQ body: one CloudSyncItem the sync
// server rejected, plus the rejection context.
type RejectedItemMessage struct {
	TenantID      string                  `json:"tenant_id"`
	Item          protocol.CloudSyncItem  `json:"item"`
	OriginalError string                  `json:"original_error,omitempty"`
	RetryAttempt  int                     `json:"retry_attempt"`
}

type reprocessResult struct {
	TenantID     string `json:"tenant_id"`
	ResourceID   string `json:"resource_id"`
	Succeeded    bool   `json:"succeeded"`
	RetryAttempt int    `json:"retry_attempt"`
	Error        string `json:"error,omitempty"`
}

func main() {
	logger.Init("production")
	defer logger.Sync()

	app, err := createApplication(context.Background())
	if err != nil {
		logger.Fatal("sync-reprocessor: failed to initialize", zap.Error(err))
	}
	defer app.catalog.Close()

	lambda.Start(app.handleDLQEvent)
}

func createApplication(ctx context.Context) (*Application, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	store, err := catalogstore.Open(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("sync-reprocessor: open catalog store: %w", err)
	}

	maxRetries := 3
	if v := os.Getenv("REPROCESS_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			maxRetries = parsed
		}
	}
	retryBackoffMs := 5000
	if v := os.Getenv("REPROCESS_BACKOFF_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			retryBackoffMs = parsed
		}
	}

	return &Application{catalog: store, maxRetries: maxRetries, retryBackoffMs: retryBackoffMs}, nil
}

func (app *Application) handleDLQEvent(ctx context.Context, event events.SQSEvent) error {
	logger.Info("sync-reprocessor: processing DLQ batch", zap.Int("message_count", len(event.Records)))

	var succeeded, failed int
	for _, record := range event.Records {
		result := app.processRecord(ctx, record)
		if result.Succeeded {
			succeeded++
		} else {
			failed++
			logger.Error("sync-reprocessor: rejected item still failing",
				zap.String("tenant_id", result.TenantID),
				zap.String("resource_id", result.ResourceID),
				zap.Int("retry_attempt", result.RetryAttempt),
				zap.String("error", result.Error))
		}
	}

	logger.Info("sync-reprocessor: batch complete", zap.Int("succeeded", succeeded), zap.Int("failed", failed))
	return nil
}

func (app *Application) processRecord(ctx context.Context, record events.SQSMessage) reprocessResult {
	var msg RejectedItemMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		return reprocessResult{Error: fmt.Sprintf("parse DLQ message: %v", err)}
	}

	result := reprocessResult{TenantID: msg.TenantID, ResourceID: msg.Item.ResourceID, RetryAttempt: msg.RetryAttempt + 1}

	if result.RetryAttempt > app.maxRetries {
		result.Error = fmt.Sprintf("max retries exceeded (%d)", app.maxRetries)
		return result
	}

	backoffDelay := time.Duration(app.retryBackoffMs*result.RetryAttempt) * time.Millisecond
	select {
	case <-time.After(backoffDelay):
	case <-ctx.Done():
		result.Error = "context cancelled during backoff"
		return result
	}

	ops, err := itemToOps(msg.Item)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if len(ops) == 0 {
		// Not a catalog resource (e.g. order archive, daily report);
		// nothing for this reprocessor to replay.
		result.Succeeded = true
		return result
	}

	if err := app.catalog.ApplyOps(ctx, msg.TenantID, ops); err != nil {
		result.Error = err.Error()
		return result
	}

	result.Succeeded = true
	return result
}

// itemToOps reinterprets a rejected CloudSyncItem as a catalog op, for
// the resources this reprocessor knows how to replay. Non-catalog
// resources return an empty slice, not an error.
func itemToOps(item protocol.CloudSyncItem) ([]catalog.Op, error) {
	switch item.Resource {
	case "product", "category", "tag", "attribute":
		var op catalog.Op
		if err := json.Unmarshal(item.Data, &op); err != nil {
			return nil, fmt.Errorf("unmarshal catalog op for %s: %w", item.ResourceID, err)
		}
		return []catalog.Op{op}, nil
	default:
		return nil, nil
	}
}
