// Package fal is the fallback generation backend on Fal.ai.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ivlev/cineflow/internal/imaging"
	"github.com/ivlev/cineflow/internal/provider"
)

const (
	DefaultQueueURL = "https://queue.fal.run"
	DefaultSyncURL  = "https://fal.run"
)

// queuedKeywords mark endpoints served through the queue API.
var queuedKeywords = []string{"veo", "video", "movie", "minimax", "kling", "luma"}

// Client calls Fal.ai model endpoints.
type Client struct {
	Key        string
	QueueURL   string
	SyncURL    string
	HTTPClient *http.Client
	Polling    provider.Poller
	Resizer    imaging.Resizer
	TextModel  string

	// RetryDelay separates the two submit attempts after a network error.
	RetryDelay time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     *slog.Logger
}

// KeyFromEnv returns FAL_API_KEY.
func KeyFromEnv() string {
	return os.Getenv("FAL_API_KEY")
}

func New(key string) *Client {
	return &Client{
		Key:        key,
		QueueURL:   DefaultQueueURL,
		SyncURL:    DefaultSyncURL,
		HTTPClient: http.DefaultClient,
		Polling:    provider.FalPolling(),
		Resizer:    imaging.DefaultResizer(),
		TextModel:  "gemini-1.5-pro",
		RetryDelay: provider.DefaultRetryDelay,
	}
}

// Queued reports whether endpoint runs as a queued job.
func Queued(endpoint string) bool {
	for _, k := range queuedKeywords {
		if strings.Contains(endpoint, k) {
			return true
		}
	}
	return false
}

type queueStatus struct {
	Status      string          `json:"status"`
	RequestID   string          `json:"request_id"`
	StatusURL   string          `json:"status_url"`
	ResponseURL string          `json:"response_url"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// Call submits payload to endpoint and returns the result JSON. Queued
// endpoints are polled until they settle.
func (c *Client) Call(ctx context.Context, endpoint string, payload any, progress provider.ProgressFunc) (json.RawMessage, error) {
	endpoint = strings.Trim(endpoint, "/")
	queued := Queued(endpoint)
	base := c.SyncURL
	if queued {
		base = c.QueueURL
	}
	url := strings.TrimRight(base, "/") + "/" + endpoint

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	data, err := c.submit(ctx, url, body)
	if err != nil {
		return nil, err
	}
	if !queued {
		return data, nil
	}

	var sub queueStatus
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	if sub.RequestID == "" && sub.StatusURL == "" {
		// answered inline
		return data, nil
	}
	h := provider.Handle{ID: sub.RequestID, StatusURL: sub.StatusURL, ResponseURL: sub.ResponseURL}
	if h.StatusURL == "" {
		h.StatusURL = strings.TrimRight(c.QueueURL, "/") + "/" + endpoint + "/requests/" + sub.RequestID + "/status"
	}
	c.logger().Info("fal job queued", "endpoint", endpoint, "request", h.ID)

	poller := c.Polling
	if poller.Logger == nil {
		poller.Logger = c.logger()
	}
	st, err := poller.Poll(ctx, provider.StatusFunc(c.status), h, progress)
	if err != nil {
		return nil, err
	}
	return c.result(ctx, h, st.Result), nil
}

// submit posts once and retries once after RetryDelay when the request never
// reached the server.
func (c *Client) submit(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	resp, err := c.post(ctx, url, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger().Warn("fal submit failed, retrying", "err", err)
		if serr := c.sleep(ctx, c.RetryDelay); serr != nil {
			return nil, serr
		}
		resp, err = c.post(ctx, url, body)
		if err != nil {
			return nil, fmt.Errorf("fal connection failed: %w", err)
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &provider.StatusError{Provider: "fal", Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Key "+c.Key)
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient().Do(req)
}

func (c *Client) status(ctx context.Context, h provider.Handle) (provider.JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.StatusURL, nil)
	if err != nil {
		return provider.JobStatus{}, err
	}
	req.Header.Set("Authorization", "Key "+c.Key)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return provider.JobStatus{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.JobStatus{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return provider.JobStatus{}, &provider.StatusError{Provider: "fal", Code: resp.StatusCode, Body: string(data)}
	}

	var st queueStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return provider.JobStatus{}, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	switch st.Status {
	case "COMPLETED":
		return provider.JobStatus{State: provider.JobCompleted, Result: data}, nil
	case "FAILED":
		return provider.JobStatus{State: provider.JobFailed, Reason: errorText(st.Error)}, nil
	default:
		// IN_QUEUE, IN_PROGRESS
		return provider.JobStatus{State: provider.JobPending}, nil
	}
}

// result fetches the final payload from the response URL without auth
// headers since it may be pre-signed. The status body stands in when the
// fetch fails or the job answered inline.
func (c *Client) result(ctx context.Context, h provider.Handle, statusBody json.RawMessage) json.RawMessage {
	url := h.ResponseURL
	var st queueStatus
	if err := json.Unmarshal(statusBody, &st); err != nil {
		c.logger().Warn("fal status body unreadable, using submitted response url", "request", h.ID, "err", err)
	} else if st.ResponseURL != "" {
		url = st.ResponseURL
	}
	if url == "" {
		return statusBody
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return statusBody
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.logger().Warn("fal result fetch failed", "request", h.ID, "err", err)
		return statusBody
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK || !json.Valid(data) {
		c.logger().Warn("fal result unusable, using status body", "request", h.ID, "code", resp.StatusCode)
		return statusBody
	}
	return data
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "Unknown error"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Detail != "" {
			return obj.Detail
		}
	}
	return string(raw)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger.With("provider", "fal")
	}
	return slog.Default().With("provider", "fal")
}
