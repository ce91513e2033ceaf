package leaseapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrUnexpectedStatus = errors.New("leaseapi: unexpected status")

// StatusError is returned for any non-200 answer.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("leaseapi: http %d", e.StatusCode)
	}
	return fmt.Sprintf("leaseapi: http %d: %s", e.StatusCode, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithAuthToken(token string) Option {
	return func(c *Client) error {
		c.token = strings.TrimSpace(token)
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client talks to a lease-server. Semantic outcomes (denied, not held) are
// values; only transport failures and non-200 responses are errors.
type Client struct {
	base         string
	token        string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrInvalidConfig, baseURL)
	}
	c := &Client{
		base:         strings.TrimRight(u.String(), "/"),
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 4 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) Acquire(ctx context.Context, resource, process string) (AcquireResponse, error) {
	var out AcquireResponse
	err := c.do(ctx, http.MethodPost, "/locks/request", LockRequest{ResourceName: resource, ProcessID: process}, &out)
	return out, err
}

func (c *Client) Release(ctx context.Context, resource, process string) (ReleaseResponse, error) {
	var out ReleaseResponse
	err := c.do(ctx, http.MethodPost, "/locks/release", LockRequest{ResourceName: resource, ProcessID: process}, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, resource string) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/locks/status/"+url.PathEscape(resource), nil, &out)
	return out, err
}

func (c *Client) ListActive(ctx context.Context) ([]LockInfo, error) {
	var out []LockInfo
	err := c.do(ctx, http.MethodGet, "/locks/all-locked", nil, &out)
	return out, err
}

func (c *Client) ListByProcess(ctx context.Context, process string) ([]LockInfo, error) {
	var out []LockInfo
	err := c.do(ctx, http.MethodGet, "/locks/process/"+url.PathEscape(process), nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("leaseapi: marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("leaseapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("leaseapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return fmt.Errorf("leaseapi: read response: %w", err)
	}
	if int64(len(raw)) > c.maxRespBytes {
		return fmt.Errorf("leaseapi: response exceeds %d bytes", c.maxRespBytes)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		return &StatusError{StatusCode: resp.StatusCode, Code: e.Error}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("leaseapi: decode response: %w", err)
	}
	return nil
}
