package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const maxBodyBytes = 16 << 20

// Client is a small JSON-over-HTTP client shared by the provider connectors.
type Client struct {
	host       string
	httpClient *http.Client
	maxTries   uint
	backoff    func() backoff.BackOff
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

// Retryable reports whether a later attempt could succeed.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func NewClient(httpClient *http.Client, host string, maxRetries int) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: httpClient,
		maxTries:   uint(maxRetries) + 1,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// WithBackOff overrides the retry schedule. Tests use a zero backoff.
func (c *Client) WithBackOff(fn func() backoff.BackOff) *Client {
	c.backoff = fn
	return c
}

func (c *Client) Host() string {
	return c.host
}

type Request struct {
	Path   string
	Query  url.Values
	Header http.Header
}

type Response struct {
	Body   []byte
	Header http.Header
}

// Get performs a GET and retries rate limits, server errors and transport failures.
func (c *Client) Get(ctx context.Context, r Request) (Response, error) {
	op := func() (Response, error) {
		resp, err := c.do(ctx, r)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, backoff.Permanent(ctx.Err())
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if !apiErr.Retryable() {
				return Response{}, backoff.Permanent(err)
			}
			if secs := retryAfterSeconds(resp.Header); secs > 0 {
				return Response{}, backoff.RetryAfter(secs)
			}
		}
		return Response{}, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.maxTries),
	)
}

func (c *Client) do(ctx context.Context, r Request) (Response, error) {
	fullURL := c.host + r.Path
	if len(r.Query) > 0 {
		fullURL = fullURL + "?" + r.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{Header: resp.Header}, &APIError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return Response{Body: body, Header: resp.Header}, nil
}

func retryAfterSeconds(h http.Header) int {
	if h == nil {
		return 0
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BearerHeader builds an Authorization header.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
