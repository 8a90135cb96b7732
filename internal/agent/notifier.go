package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	webhookBatchSize  = 50 // Send events in batches to avoid timeouts
	webhookMaxRetries = 3  // Number of attempts per batch
)

// DeliveryResult contains the result of a webhook delivery.
type DeliveryResult struct {
	DeliveredIDs []string // IDs that were successfully delivered
	FailedIDs    []string // IDs that failed to deliver
	Err          error    // First error encountered (if any)
}

type Notifier struct {
	config      *Config
	httpClient  *http.Client
	logger      *slog.Logger
	backoffBase time.Duration
}

func NewNotifier(config *Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		config: config,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:      logger,
		backoffBase: time.Second,
	}
}

// Send posts events to the webhook with retry logic.
func (n *Notifier) Send(ctx context.Context, events []MountEvent) *DeliveryResult {
	result := &DeliveryResult{}
	if !n.config.HasWebhook() {
		return result
	}

	for i := 0; i < len(events); i += webhookBatchSize {
		end := min(i+webhookBatchSize, len(events))
		batch := events[i:end]

		batchIDs := make([]string, 0, len(batch))
		for _, e := range batch {
			batchIDs = append(batchIDs, e.ID)
		}

		payload := map[string]interface{}{
			"source":    "efs-noresvport",
			"version":   n.config.Version,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"events":    batch,
		}

		// Retry with exponential backoff
		var lastErr error
		for attempt := 0; attempt < webhookMaxRetries; attempt++ {
			if attempt > 0 {
				backoff := n.backoffBase << uint(attempt-1) // 1s, 2s
				n.logger.Debug("retrying webhook batch", "attempt", attempt+1, "backoff", backoff)
				select {
				case <-ctx.Done():
					result.FailedIDs = append(result.FailedIDs, batchIDs...)
					result.Err = ctx.Err()
					return result
				case <-time.After(backoff):
				}
			}

			if err := n.postJSON(ctx, n.config.WebhookURL, payload); err != nil {
				lastErr = err
				n.logger.Warn("webhook batch failed", "batch", i/webhookBatchSize+1, "attempt", attempt+1, "error", err)
				continue
			}

			result.DeliveredIDs = append(result.DeliveredIDs, batchIDs...)
			n.logger.Info("webhook batch sent", "batch", i/webhookBatchSize+1, "events", len(batch), "total", len(events))
			lastErr = nil
			break
		}

		if lastErr != nil {
			result.FailedIDs = append(result.FailedIDs, batchIDs...)
			if result.Err == nil {
				result.Err = fmt.Errorf("batch %d-%d failed after %d attempts: %w", i, end, webhookMaxRetries, lastErr)
			}
		}
	}

	return result
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if n.config.WebhookToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.config.WebhookToken)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return nil
}
