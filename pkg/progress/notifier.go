package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/datalab/medsync/pkg/log"
)

// LogNotifier writes alerts to the structured log. Always installed; the
// log is the delivery channel of last resort.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds the default notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("alert")}
}

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	n.logger.Warn().
		Str("rule", a.Rule).
		Str("table", a.Table).
		Float64("value", a.Value).
		Msg(a.Message)
	return nil
}

// WebhookNotifier POSTs alerts as JSON to an operator-supplied endpoint
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a webhook notifier for the URL
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
