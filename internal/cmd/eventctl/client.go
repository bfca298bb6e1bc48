// Package eventctl contains the Cobra commands of the eventctl client.
package eventctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultURL is the events collection of a locally running ingest server.
const DefaultURL = "http://localhost:8080/v1/events"

// Client talks to the events API over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client for the events collection at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Response is a decoded API reply.
type Response struct {
	Status    int
	RequestID string
	Body      map[string]any
}

// Message returns the error message of a failed reply, or "" on success.
func (r *Response) Message() string {
	errObj, ok := r.Body["error"].(map[string]any)
	if !ok {
		return ""
	}
	msg, _ := errObj["message"].(string)
	return msg
}

// Submit posts a single event. requestID, when set, is sent as X-Request-Id.
func (c *Client) Submit(ctx context.Context, event map[string]any, requestID string) (*Response, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}
	return c.do(req)
}

// List fetches a user's most recent events.
func (c *Client) List(ctx context.Context, userID string, limit int) (*Response, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Delete removes a user's events, or every event when userID is empty.
func (c *Client) Delete(ctx context.Context, userID string) (*Response, error) {
	target := c.BaseURL
	if userID != "" {
		target += "?" + url.Values{"user_id": {userID}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out := &Response{Status: resp.StatusCode, RequestID: resp.Header.Get("X-Request-Id")}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil {
			return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
	}
	return out, nil
}
