package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/driver/sqlite"

	"syncbridge/internal/config"
	"syncbridge/internal/connector"
	"syncbridge/internal/db"
	gormrepository "syncbridge/internal/repository/gorm"
)

const (
	fakeProvider  = "fake"
	fakeSigHeader = "X-Fake-Signature"
	fakeSecret    = "s3cret"
)

var fakeResources = []connector.Resource{
	{Name: "customer", SupportsIncremental: true},
	{Name: "product"},
	{Name: "line", SyncedWithParent: true},
}

var fakeKinds = connector.KindTable{
	"customer.created": {Kind: connector.KindCreate, Resource: "customer"},
	"customer.updated": {Kind: connector.KindUpdate, Resource: "customer"},
	"customer.deleted": {Kind: connector.KindDelete, Resource: "customer"},
}

var fakeSchema = connector.MustCompileConfigSchema(fakeProvider, `{
  "type": "object",
  "required": ["secret"],
  "properties": {"secret": {"type": "string", "minLength": 1}}
}`)

// fakeConnector serves an in-memory listing paged by offset.
type fakeConnector struct {
	mu       sync.Mutex
	data     map[string][]string
	pageSize int
	failOn   string
	since    []time.Time
	cursors  []string
	onPage   func(resource, cursor string)
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{data: map[string][]string{}, pageSize: 2}
}

func (f *fakeConnector) set(resource string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[resource] = ids
}

func (f *fakeConnector) seenCursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}

func (f *fakeConnector) seenSince() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.since...)
}

func (f *fakeConnector) Provider() string { return fakeProvider }

func (f *fakeConnector) Resources() []connector.Resource { return fakeResources }

func (f *fakeConnector) ValidateConfig(raw json.RawMessage) error {
	return fakeSchema.Validate(raw)
}

func (f *fakeConnector) VerifyWebhook(req connector.WebhookRequest, tenant connector.TenantConfig) connector.WebhookVerification {
	sig := req.Header.Get(fakeSigHeader)
	if sig == "" {
		return connector.Reject("missing %s header", fakeSigHeader)
	}
	return connector.VerifyHMAC(req, connector.HMACCheck{
		Algorithm:  connector.SHA256,
		Secret:     tenant.Setting("secret"),
		Message:    req.Body,
		Signatures: []string{sig},
	})
}

func (f *fakeConnector) ParseWebhookEvent(payload connector.VerifiedPayload) (connector.ParsedWebhookEvent, error) {
	body := payload.Body()
	if !gjson.ValidBytes(body) {
		return connector.ParsedWebhookEvent{}, errors.New("fake: invalid json")
	}
	doc := gjson.ParseBytes(body)
	m := fakeKinds.Lookup(doc.Get("type").String())
	obj := doc.Get("data")
	return connector.ParsedWebhookEvent{
		EventID:      doc.Get("id").String(),
		EventName:    doc.Get("type").String(),
		Kind:         m.Kind,
		ResourceType: m.Resource,
		ExternalID:   obj.Get("id").String(),
		Data:         json.RawMessage(obj.Raw),
	}, nil
}

func (f *fakeConnector) ExtractEntities(ev connector.ParsedWebhookEvent) ([]connector.NormalizedEntity, error) {
	ent, err := f.NormalizeEntity(ev.ResourceType, ev.Data)
	if err != nil {
		return nil, err
	}
	return []connector.NormalizedEntity{ent}, nil
}

func (f *fakeConnector) NormalizeEntity(resourceType string, raw json.RawMessage) (connector.NormalizedEntity, error) {
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return connector.NormalizedEntity{}, fmt.Errorf("fake %s: missing id", resourceType)
	}
	return connector.NormalizedEntity{
		ExternalID:    id,
		CollectionKey: connector.CollectionKey(fakeProvider, resourceType),
		RawPayload:    raw,
	}, nil
}

func (f *fakeConnector) FullSync(ctx context.Context, tenant connector.TenantConfig, opts connector.SyncOptions) connector.SyncResult {
	return connector.RunPaginated(ctx, f.listing(tenant, opts.ResourceType, true), opts)
}

func (f *fakeConnector) IncrementalSync(ctx context.Context, tenant connector.TenantConfig, since time.Time, opts connector.SyncOptions) connector.SyncResult {
	f.mu.Lock()
	f.since = append(f.since, since)
	f.mu.Unlock()
	return connector.RunPaginated(ctx, f.listing(tenant, opts.ResourceType, false), opts)
}

func (f *fakeConnector) listing(tenant connector.TenantConfig, resource string, detect bool) connector.Listing[json.RawMessage] {
	return connector.Listing[json.RawMessage]{
		AppKey:        tenant.AppKey,
		CollectionKey: connector.CollectionKey(fakeProvider, resource),
		ListPage: func(ctx context.Context, cursor string) (connector.Page[json.RawMessage], error) {
			f.mu.Lock()
			f.cursors = append(f.cursors, resource+":"+cursor)
			ids := append([]string(nil), f.data[resource]...)
			hook := f.onPage
			fail := f.failOn == resource
			f.mu.Unlock()
			if hook != nil {
				hook(resource, cursor)
			}
			if fail {
				return connector.Page[json.RawMessage]{}, errors.New("provider unavailable")
			}
			start := 0
			if cursor != "" {
				start, _ = strconv.Atoi(cursor)
			}
			end := min(start+f.pageSize, len(ids))
			var page connector.Page[json.RawMessage]
			for _, id := range ids[start:end] {
				page.Items = append(page.Items, json.RawMessage(`{"id":"`+id+`"}`))
			}
			if end < len(ids) {
				page.HasMore = true
				page.NextCursor = strconv.Itoa(end)
			}
			return page, nil
		},
		GetID: func(item json.RawMessage) string { return gjson.GetBytes(item, "id").String() },
		Normalize: func(item json.RawMessage) (connector.NormalizedEntity, error) {
			return f.NormalizeEntity(resource, item)
		},
		DetectDeletions: detect,
		CreatedAfter:    tenant.EarliestSyncAt,
	}
}

type testEnv struct {
	store *gormrepository.Store
	fake  *fakeConnector
	apps  *AppService
	exec  *SyncExecutor
	sched *Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := db.OpenDialector(sqlite.Open("file:svc_"+name+"?mode=memory&cache=shared"), config.DBConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(conn))
	t.Cleanup(func() { _ = db.Close(conn) })

	store := gormrepository.New(conn.Gorm)
	fake := newFakeConnector()
	reg := connector.NewRegistry(4)
	require.NoError(t, reg.Register(connector.Factory{
		Provider:     fakeProvider,
		Capabilities: connector.CapWebhook | connector.CapSync | connector.CapIncrementalSync | connector.CapConfigValidation,
		New:          func() (connector.Connector, error) { return fake, nil },
	}))

	apps := &AppService{Repo: store, Registry: reg}
	exec := &SyncExecutor{States: store, Sink: &EntityStore{Repo: store}}
	env := &testEnv{
		store: store,
		fake:  fake,
		apps:  apps,
		exec:  exec,
		sched: &Scheduler{Repo: store, Apps: apps, Exec: exec},
	}
	env.addApp(t, "acme", true)
	return env
}

func (e *testEnv) addApp(t *testing.T, key string, enabled bool) {
	t.Helper()
	_, err := e.apps.Upsert(context.Background(), AppInput{
		AppKey:   key,
		Provider: fakeProvider,
		Enabled:  enabled,
		Config:   json.RawMessage(`{"secret":"` + fakeSecret + `"}`),
	})
	require.NoError(t, err)
}

func (e *testEnv) resolve(t *testing.T, key string) *ResolvedApp {
	t.Helper()
	app, err := e.apps.Resolve(context.Background(), key)
	require.NoError(t, err)
	return app
}

func (e *testEnv) worker() *Worker {
	return &Worker{Repo: e.store, Apps: e.apps, Exec: e.exec}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
