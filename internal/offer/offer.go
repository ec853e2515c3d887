// Package offer talks to the external endpoint that presents a reserved task
// to an agent's desktop and withdraws it again.
package offer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request describes one reserved media offered to one agent.
type Request struct {
	TaskID         string `json:"task_id"`
	MediaID        string `json:"media_id"`
	ConversationID string `json:"conversation_id"`
	MRDID          string `json:"mrd_id"`
	QueueID        string `json:"queue_id,omitempty"`
	AgentID        string `json:"agent_id"`
	Reason         string `json:"reason,omitempty"`
}

type Client interface {
	Offer(ctx context.Context, req Request) error
	Revoke(ctx context.Context, req Request) error
}

// Noop accepts every offer. It is used when no offer endpoint is configured.
type Noop struct{}

func (Noop) Offer(context.Context, Request) error  { return nil }
func (Noop) Revoke(context.Context, Request) error { return nil }

type HTTPClient struct {
	offerURL  string
	revokeURL string
	client    *http.Client
}

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

func WithRevokeURL(url string) Option {
	return func(h *HTTPClient) { h.revokeURL = url }
}

func NewHTTPClient(offerURL string, timeout time.Duration, opts ...Option) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h := &HTTPClient{
		offerURL: offerURL,
		client:   &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HTTPClient) Offer(ctx context.Context, req Request) error {
	return h.post(ctx, h.offerURL, req)
}

// Revoke is a no-op when no revoke URL is configured.
func (h *HTTPClient) Revoke(ctx context.Context, req Request) error {
	if h.revokeURL == "" {
		return nil
	}
	return h.post(ctx, h.revokeURL, req)
}

func (h *HTTPClient) post(ctx context.Context, url string, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("offer: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("offer: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("offer: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("offer: %s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
