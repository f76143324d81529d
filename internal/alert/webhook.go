package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rvguard/rvguard/pkg/types"
)

const webhookTimeout = 10 * time.Second

// WebhookSink sends notifications as JSON POST requests to a URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a new webhook sink.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: webhookTimeout,
		},
	}
}

// Name returns the sink identifier.
func (s *WebhookSink) Name() string { return "webhook" }

// Send posts the notification as JSON to the configured URL.
func (s *WebhookSink) Send(n types.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("webhook POST failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
