package eventlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogService struct {
	logins  atomic.Int32
	rejects atomic.Int32
	events  chan Event
	mu      sync.Mutex
	token   string
}

func newFakeLogService(t *testing.T) (*fakeLogService, *httptest.Server) {
	t.Helper()
	f := &fakeLogService{events: make(chan Event, 8)}
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["api_key"] != "key" {
			http.Error(w, "bad key", http.StatusForbidden)
			return
		}
		n := f.logins.Add(1)
		tok := "tok-" + string(rune('0'+n))
		f.mu.Lock()
		f.token = tok
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":      tok,
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc(logsPath, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		want := "Bearer " + f.token
		f.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			f.rejects.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.events <- ev
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestClient_LoginAndSend(t *testing.T) {
	f, srv := newFakeLogService(t)
	c := &Client{BaseURL: srv.URL + "/", APIKey: "key", Agent: "syncbridge"}

	require.NoError(t, c.Send(context.Background(), Event{Action: "webhook", Level: "info"}))
	ev := <-f.events
	assert.Equal(t, "syncbridge", ev.Agent)
	assert.Equal(t, "webhook", ev.Action)
	assert.NotNil(t, ev.Metadata)

	require.NoError(t, c.Send(context.Background(), Event{Action: "worker"}))
	<-f.events
	assert.Equal(t, int32(1), f.logins.Load())
}

func TestClient_RelogsOnceWhenTokenRejected(t *testing.T) {
	f, srv := newFakeLogService(t)
	c := &Client{BaseURL: srv.URL, APIKey: "key"}
	require.NoError(t, c.Login(context.Background()))

	f.mu.Lock()
	f.token = "rotated-server-side"
	f.mu.Unlock()

	// The re-login hands out a new token that the fake accepts again.
	require.NoError(t, c.Send(context.Background(), Event{Action: "x"}))
	<-f.events
	assert.Equal(t, int32(2), f.logins.Load())
	assert.Equal(t, int32(1), f.rejects.Load())
}

func TestClient_LoginErrors(t *testing.T) {
	_, srv := newFakeLogService(t)

	err := (&Client{BaseURL: srv.URL}).Login(context.Background())
	assert.ErrorContains(t, err, "api key is empty")

	err = (&Client{APIKey: "key"}).Login(context.Background())
	assert.ErrorContains(t, err, "base url is empty")

	err = (&Client{BaseURL: srv.URL, APIKey: "wrong"}).Login(context.Background())
	assert.ErrorContains(t, err, "http 403")
}

func TestSink_NilIsSafe(t *testing.T) {
	var s *Sink
	s.Record("x", "info", nil)
	NewSink(nil, nil, 0).Record("x", "info", nil)
}

func TestAuditMiddleware_RecordsWrites(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f, srv := newFakeLogService(t)
	sink := NewSink(&Client{BaseURL: srv.URL, APIKey: "key", Agent: "syncbridge"}, nil, time.Second)

	r := gin.New()
	r.Use(AuditMiddleware(sink))
	r.GET("/api/things", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/things/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/things", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/things/7", nil))

	select {
	case ev := <-f.events:
		assert.Equal(t, "syncbridge_http_write", ev.Action)
		assert.Equal(t, "warn", ev.Level)
		assert.Equal(t, "/api/things/:id", ev.Details["path"])
		assert.Equal(t, http.MethodPost, ev.Details["method"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event recorded")
	}
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %q", ev.Action)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLevelFromStatus(t *testing.T) {
	assert.Equal(t, "info", LevelFromStatus(http.StatusOK))
	assert.Equal(t, "warn", LevelFromStatus(http.StatusTooManyRequests))
	assert.Equal(t, "error", LevelFromStatus(http.StatusBadGateway))
}
