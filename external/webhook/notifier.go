package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foxseedlab/heyamori/internal/notify"
)

const requestTimeout = 10 * time.Second

type payload struct {
	notify.Notification
	Source string    `json:"source"`
	SentAt time.Time `json:"sent_at"`
}

// HTTPNotifier posts notifications as JSON to a webhook URL. An empty URL
// disables it.
type HTTPNotifier struct {
	webhookURL string
	source     string
	client     *http.Client
}

func NewHTTPNotifier(webhookURL, source string) *HTTPNotifier {
	return &HTTPNotifier{
		webhookURL: webhookURL,
		source:     source,
		client:     &http.Client{Timeout: requestTimeout},
	}
}

func (s *HTTPNotifier) Notify(ctx context.Context, n notify.Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	b, err := json.Marshal(payload{Notification: n, Source: s.source, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
