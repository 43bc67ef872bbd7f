package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/randalmurphal/logsift/auth"
	devhttp "github.com/randalmurphal/logsift/http"
)

// =============================================================================
// WebhookNotifier
// =============================================================================

// WebhookNotifier POSTs each event as JSON to a generic HTTP webhook.
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client

	// Types limits delivery to the listed event types. Empty means all.
	Types []EventType

	// Secret, when set, signs each delivery with a bearer token receivers
	// check with auth.VerifyEvent.
	Secret []byte
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, headers map[string]string, types ...EventType) *WebhookNotifier {
	return &WebhookNotifier{
		URL:     url,
		Headers: headers,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Types:   types,
	}
}

func (n *WebhookNotifier) wants(t EventType) bool {
	if len(n.Types) == 0 {
		return true
	}
	for _, want := range n.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Notify implements Notifier. Non-2xx responses are returned as
// *http.APIError so callers can use the http package predicates.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if !n.wants(event.Type) {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}
	if len(n.Secret) > 0 {
		token, err := auth.SignEvent(auth.SignerConfig{Secret: n.Secret}, event.RunID, string(event.Type), body)
		if err != nil {
			return fmt.Errorf("sign webhook: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return devhttp.NewAPIError("webhook", resp.StatusCode, n.URL, http.StatusText(resp.StatusCode))
	}

	return nil
}
