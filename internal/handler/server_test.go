package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"syncbridge/internal/client/provider"
	"syncbridge/internal/config"
	"syncbridge/internal/connector"
	"syncbridge/internal/connector/github"
	"syncbridge/internal/db"
	gormrepository "syncbridge/internal/repository/gorm"
	"syncbridge/internal/service"
)

const (
	adminToken   = "admin-token-0123456789"
	githubSecret = "gh-hook-secret"
)

type testServer struct {
	router *gin.Engine
	store  *gormrepository.Store
	sched  *service.Scheduler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := db.OpenDialector(sqlite.Open("file:h_"+name+"?mode=memory&cache=shared"), config.DBConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(conn))
	t.Cleanup(func() { _ = db.Close(conn) })

	store := gormrepository.New(conn.Gorm)
	reg := connector.NewRegistry(4)
	// Nothing here reaches the GitHub API.
	require.NoError(t, reg.Register(github.Factory(provider.NewClient(nil, "http://127.0.0.1:0", 0))))

	apps := &service.AppService{Repo: store, Registry: reg}
	entities := &service.EntityStore{Repo: store}
	exec := &service.SyncExecutor{States: store, Sink: entities}
	sched := &service.Scheduler{Repo: store, Apps: apps, Exec: exec}
	worker := &service.Worker{Repo: store, Apps: apps, Exec: exec}

	_, err = apps.Upsert(context.Background(), service.AppInput{
		AppKey:   "gh",
		Provider: github.Provider,
		Enabled:  true,
		Config:   []byte(`{"webhook_secret":"` + githubSecret + `","owner":"acme","repo":"api","token":"ghp_secret"}`),
	})
	require.NoError(t, err)

	r := gin.New()
	(&HealthHandler{DB: conn.Gorm}).Register(r)
	(&WebhookHandler{Service: &service.WebhookService{Apps: apps, Sink: entities}, MaxBodyBytes: 1 << 10}).Register(r)
	api := r.Group("/api")
	api.Use(RequireAdmin(adminToken))
	(&SyncHandler{Scheduler: sched, Jobs: store, States: store, WatchInterval: 20 * time.Millisecond}).Register(api)
	(&WorkerHandler{Worker: worker}).Register(api)
	(&AppsHandler{Service: apps}).Register(api)

	return &testServer{router: r, store: store, sched: sched}
}

func (s *testServer) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) admin(method, path, body string) *httptest.ResponseRecorder {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+adminToken)
	h.Set("Content-Type", "application/json")
	return s.do(method, path, body, h)
}
