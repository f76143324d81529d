package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// NewHTTPSender returns a Sender that POSTs commands as JSON to a bus
// gateway endpoint. Any non-2xx status is a failed send; the deadline
// monitor then times the operation out.
func NewHTTPSender(url string) Sender {
	client := &http.Client{Timeout: 2 * time.Second}
	return SenderFunc(func(ctx context.Context, cmd Command) error {
		body, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("encoding command: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("posting command: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("bus gateway returned %d", resp.StatusCode)
		}
		return nil
	})
}

// NewLogSender returns a Sender that acknowledges immediately and records
// the command in the log. Used when no bus gateway is configured.
func NewLogSender(logger *slog.Logger) Sender {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "dispatch")
	return SenderFunc(func(_ context.Context, cmd Command) error {
		l.Info("command sent", "entity", cmd.Entity, "kind", cmd.Kind)
		return nil
	})
}
