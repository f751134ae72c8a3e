package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier is the external push-notification collaborator. Delivery is
// guaranteed-eventual on the provider side; the core treats it as
// fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, tokens []string, title, body string, data map[string]any) error
}

// ExpoClient posts to an Expo-compatible push endpoint.
type ExpoClient struct {
	Endpoint string
	Client   *http.Client
}

func NewExpoClient(endpoint string) *ExpoClient {
	return &ExpoClient{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (c *ExpoClient) Notify(ctx context.Context, tokens []string, title, body string, data map[string]any) error {
	if len(tokens) == 0 {
		return nil
	}
	payload := map[string]any{"to": tokens, "title": title, "body": body}
	if data != nil {
		payload["data"] = data
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Nop discards notifications; used when no endpoint is configured.
type Nop struct{}

func (Nop) Notify(context.Context, []string, string, string, map[string]any) error { return nil }
