// Package apiclient is the thin HTTP client the SDK uses to reach the
// Executor's control plane: event ingest for sendEvent, and function
// registration pushes for PUT /.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowstep/flowstep-go/internal/fn"
)

// Client reaches one Executor control plane. EventKey authorizes event
// ingest; it is not the signing key (which authenticates the Executor to
// the SDK, not the SDK to the Executor).
type Client struct {
	BaseURL  string
	EventKey string
	HTTP     *http.Client
}

// New builds a Client for the given control plane URL.
func New(baseURL, eventKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		EventKey: eventKey,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

type sendResponse struct {
	IDs    []string `json:"ids"`
	Status int      `json:"status"`
	Error  string   `json:"error,omitempty"`
}

// Send delivers a batch of events to the event ingest API and returns the
// IDs the Executor assigned them, implementing sdkrequest.EventSender.
func (c *Client) Send(ctx context.Context, events []fn.Event) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}
	key := c.EventKey
	if key == "" {
		return nil, fmt.Errorf("sending events: no event key configured")
	}

	body, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshaling events: %w", err)
	}

	url := fmt.Sprintf("%s/e/%s", c.BaseURL, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending events: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading event response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sending events: status %d: %s", resp.StatusCode, respBody)
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding event response: %w", err)
	}
	return parsed.IDs, nil
}

// Register pushes a registration payload to the control plane's function
// registration endpoint, authorized by the signing key.
func (c *Client) Register(ctx context.Context, signingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling registration payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/fn/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signingKey != "" {
		req.Header.Set("Authorization", "Bearer "+signingKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("pushing registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pushing registration: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
