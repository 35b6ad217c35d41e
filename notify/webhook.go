package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"intelvault/core"

	"go.uber.org/zap"
)

// WebhookConfig configures an outbound webhook subscriber.
type WebhookConfig struct {
	TenantID string            `mapstructure:"tenant_id" yaml:"tenant_id"`
	URL      string            `mapstructure:"url" yaml:"url"`
	Method   string            `mapstructure:"method" yaml:"method"`
	Headers  map[string]string `mapstructure:"headers" yaml:"headers"`
	Channels []core.Channel    `mapstructure:"channels" yaml:"channels"`
	// MinSeverity drops indicator events below this severity
	MinSeverity core.Severity `mapstructure:"min_severity" yaml:"min_severity"`
}

// Validate checks the webhook configuration.
func (c WebhookConfig) Validate() error {
	if c.TenantID == "" {
		return core.NewValidationError("tenant_id", "is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return core.NewValidationError("url", "must be an absolute http(s) URL")
	}
	if c.MinSeverity != "" && !c.MinSeverity.IsValid() {
		return core.NewValidationError("min_severity", fmt.Sprintf("unknown severity %q", c.MinSeverity))
	}
	return nil
}

// WebhookDeliverer posts events as JSON to an HTTP endpoint.
type WebhookDeliverer struct {
	config WebhookConfig
	client *http.Client
	logger *zap.SugaredLogger
}

// NewWebhookDeliverer creates a deliverer. TLS certificates are always verified.
func NewWebhookDeliverer(config WebhookConfig, logger *zap.SugaredLogger) (*WebhookDeliverer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebhookDeliverer{
		config: config,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: logger,
	}, nil
}

// Predicate filters indicator events by MinSeverity. Other events pass.
func (w *WebhookDeliverer) Predicate(ev core.Event) bool {
	if w.config.MinSeverity == "" {
		return true
	}
	ind, ok := ev.Payload.(*core.Indicator)
	if !ok {
		return true
	}
	return ind.Severity.AtLeast(w.config.MinSeverity)
}

// Deliver sends ev to the webhook. The request is bound to ctx.
func (w *WebhookDeliverer) Deliver(ctx context.Context, ev core.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.config.Method, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "intelvault/1.0")
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			w.logger.Debugw("Failed to close webhook response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	w.logger.Debugw("Sent webhook notification", "event", ev.ID, "tenant", ev.TenantID)
	return nil
}

// Attach subscribes the deliverer to its tenant's events on the hub.
func (w *WebhookDeliverer) Attach(hub *Hub) (string, error) {
	return hub.Subscribe(w.config.TenantID, w.config.Channels, w.Predicate, w.Deliver)
}
