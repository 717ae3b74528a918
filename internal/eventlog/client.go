package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	loginPath = "/api/v1/auth/login"
	logsPath  = "/api/v1/logs"

	// tokenSkew renews the session token this long before it expires.
	tokenSkew = 2 * time.Minute
)

var errUnauthorized = errors.New("event log rejected the session token")

// Client ships audit events to a remote log service. It exchanges the API key for a
// session token and reuses it until shortly before expiry.
type Client struct {
	BaseURL string
	APIKey  string
	Agent   string
	HTTP    *http.Client

	mu      sync.RWMutex
	session session
}

type session struct {
	token     string
	expiresAt time.Time
}

func (s session) fresh(now time.Time) bool {
	if s.token == "" {
		return false
	}
	return s.expiresAt.IsZero() || s.expiresAt.Sub(now) >= tokenSkew
}

type Event struct {
	Agent    string         `json:"agent"`
	Action   string         `json:"action"`
	Level    string         `json:"level"`
	Details  map[string]any `json:"details"`
	Metadata map[string]any `json:"metadata"`
}

// Login replaces the cached session.
func (c *Client) Login(ctx context.Context) error {
	key := strings.TrimSpace(c.APIKey)
	if key == "" {
		return errors.New("event log api key is empty")
	}
	var out struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := c.post(ctx, loginPath, "", map[string]string{"api_key": key}, &out); err != nil {
		return fmt.Errorf("event log login: %w", err)
	}
	tok := strings.TrimSpace(out.Token)
	if tok == "" {
		return errors.New("event log login: empty token")
	}
	exp, _ := time.Parse(time.RFC3339, strings.TrimSpace(out.ExpiresAt))

	c.mu.Lock()
	c.session = session{token: tok, expiresAt: exp}
	c.mu.Unlock()
	return nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s.fresh(time.Now()) {
		return s.token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.token, nil
}

// Send posts one event. A rejected token triggers a single re-login.
func (c *Client) Send(ctx context.Context, ev Event) error {
	if ev.Agent == "" {
		ev.Agent = c.Agent
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}
	for attempt := 0; ; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		err = c.post(ctx, logsPath, tok, ev, nil)
		if errors.Is(err, errUnauthorized) && attempt == 0 {
			c.mu.Lock()
			c.session = session{}
			c.mu.Unlock()
			continue
		}
		if err != nil {
			return fmt.Errorf("event log send: %w", err)
		}
		return nil
	}
}

func (c *Client) post(ctx context.Context, path, bearer string, in, out any) error {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return errors.New("event log base url is empty")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized && bearer != "":
		return errUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}
