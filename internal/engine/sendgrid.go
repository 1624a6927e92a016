package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// sendGridSender is the real outbound transport, used only when
// sendgrid_api_key is configured. Retry bookkeeping lives in a
// projection, not here; this simply reports success or failure of one
// attempt.
type sendGridSender struct {
	apiKey string
	client *http.Client
}

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

func (s sendGridSender) httpClient() *http.Client {
	if s.client != nil {
		return s.client
	}
	return http.DefaultClient
}

func (s sendGridSender) Send(ctx context.Context, subscriptionID int, memberID string) error {
	payload, err := json.Marshal(map[string]any{
		"personalizations": []map[string]any{{"to": []map[string]string{{"email": memberID}}}},
		"from":             map[string]string{"email": "notifications@ledgerd.local"},
		"subject":          fmt.Sprintf("You've been assigned to subscription %d", subscriptionID),
		"content":          []map[string]string{{"type": "text/plain", "value": "You have been assigned."}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendGridEndpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: unexpected status %d", resp.StatusCode)
	}
	return nil
}
