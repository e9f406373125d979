// Package client talks to a shellsim HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/session"
	"github.com/talgya/shellcloud/internal/shells"
)

var (
	// ErrRejected means the edit failed validation; the server kept its state.
	ErrRejected = errors.New("client: edit rejected")
	// ErrRecomputeFailed means the edit passed validation but the pipeline aborted.
	ErrRecomputeFailed = errors.New("client: recompute failed")
	// ErrUnavailable means the server has no cloud or no database yet.
	ErrUnavailable = errors.New("client: not available")
)

// Status mirrors GET /api/v1/status.
type Status struct {
	Name          string        `json:"name"`
	SessionID     string        `json:"session_id"`
	Solver        string        `json:"solver"`
	State         string        `json:"state"`
	Params        params.Params `json:"params"`
	Eigenvalue    float64       `json:"eigenvalue"`
	Layers        int           `json:"layers"`
	Points        int           `json:"points"`
	BufferBytes   string        `json:"buffer_bytes"`
	Version       uint64        `json:"version"`
	UpdatedAt     string        `json:"updated_at"`
	Redraws       uint64        `json:"redraws"`
	StreamClients int           `json:"stream_clients"`
	Started       string        `json:"started"`
	LastCommit    string        `json:"last_commit"`
	Grid          struct {
		Polar   int `json:"polar"`
		Azimuth int `json:"azimuth"`
	} `json:"grid"`
	Stats session.Stats `json:"stats"`
}

// ParamsView mirrors GET /api/v1/params.
type ParamsView struct {
	Params params.Params `json:"params"`
	Limits params.Limits `json:"limits"`
}

// Solution mirrors GET /api/v1/solution.
type Solution struct {
	Params     params.Params `json:"params"`
	Solver     string        `json:"solver"`
	Eigenvalue float64       `json:"eigenvalue"`
	Radii      []float64     `json:"radii"`
	Values     []float64     `json:"values"`
}

// Edit mirrors one entry of GET /api/v1/history.
type Edit struct {
	ID         int64   `json:"id"`
	SessionID  string  `json:"session_id"`
	Field      string  `json:"field"`
	Value      float64 `json:"value"`
	Accepted   bool    `json:"accepted"`
	Zeta       float64 `json:"zeta"`
	N          int     `json:"n"`
	L          int     `json:"l"`
	Reason     string  `json:"reason"`
	DurationUS int64   `json:"duration_us"`
	CreatedAt  int64   `json:"created_at"`
}

// Time returns CreatedAt as a time.
func (e Edit) Time() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// Client is a thin HTTP client. Reads need no credentials; ProposeChange
// sends AdminKey as a bearer token.
type Client struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// New creates a Client for the given API base URL.
func New(baseURL, adminKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.fetchJSON(ctx, "/api/v1/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Params(ctx context.Context) (*ParamsView, error) {
	var p ParamsView
	if err := c.fetchJSON(ctx, "/api/v1/params", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Solution(ctx context.Context) (*Solution, error) {
	var s Solution
	if err := c.fetchJSON(ctx, "/api/v1/solution", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Shells(ctx context.Context) (*shells.Set, error) {
	var s shells.Set
	if err := c.fetchJSON(ctx, "/api/v1/shells", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// History returns up to limit recent edits, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Edit, error) {
	var edits []Edit
	if err := c.fetchJSON(ctx, fmt.Sprintf("/api/v1/history?limit=%d", limit), &edits); err != nil {
		return nil, err
	}
	return edits, nil
}

// Cloud downloads the packed float32 position buffer.
func (c *Client) Cloud(ctx context.Context) ([]float32, error) {
	resp, err := c.get(ctx, "/api/v1/cloud?format=bin")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read cloud: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("cloud payload of %d bytes is not a float32 array", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

// ProposeChange sends one field edit. A rejected or failed edit still returns
// the server's Result alongside ErrRejected or ErrRecomputeFailed.
func (c *Client) ProposeChange(ctx context.Context, f params.Field, value float64) (*session.Result, error) {
	body, err := json.Marshal(map[string]any{"field": f, "value": value})
	if err != nil {
		return nil, fmt.Errorf("marshal edit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/params", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AdminKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST params: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		sentinel = ErrRejected
	case http.StatusBadGateway:
		sentinel = ErrRecomputeFailed
	default:
		return nil, fmt.Errorf("edit failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result session.Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if sentinel != nil {
		return &result, fmt.Errorf("%w: %s", sentinel, result.Reason)
	}
	return &result, nil
}

// WaitReady polls the status endpoint with exponential backoff until it
// answers 200, ctx ends, or maxWait elapses.
func (c *Client) WaitReady(ctx context.Context, maxWait time.Duration) error {
	backoff := 250 * time.Millisecond
	maxBackoff := 5 * time.Second
	deadline := time.Now().Add(maxWait)

	for {
		resp, err := c.get(ctx, "/api/v1/status")
		if err == nil {
			resp.Body.Close()
			slog.Info("shellsim API is ready", "url", c.BaseURL)
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("shellsim API at %s not ready after %s: %w", c.BaseURL, maxWait, err)
		}
		slog.Info("shellsim not ready, retrying", "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		err := fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusServiceUnavailable {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) fetchJSON(ctx context.Context, path string, target any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
