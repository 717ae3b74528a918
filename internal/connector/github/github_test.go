package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/client/provider"
	"syncbridge/internal/connector"
)

const secret = "gh-secret"

func tenant() connector.TenantConfig {
	return connector.TenantConfig{
		AppKey:   "acme-gh",
		Provider: Provider,
		Settings: json.RawMessage(`{"token":"ghp_x","webhook_secret":"` + secret + `","owner":"acme","repo":"api"}`),
	}
}

func signed(event string, body []byte) connector.WebhookRequest {
	h := http.Header{}
	h.Set("X-GitHub-Event", event)
	h.Set("X-GitHub-Delivery", "d-1")
	h.Set("X-Hub-Signature-256", "sha256="+connector.SignHex(connector.SHA256, secret, body))
	return connector.WebhookRequest{Header: h, Body: body}
}

func testConnector(host string) *Connector {
	return New(provider.NewClient(http.DefaultClient, host, 0).
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
}

func TestWebhook_IssueOpened(t *testing.T) {
	c := testConnector("http://unused")
	body := []byte(`{"action":"opened","issue":{"id":1001,"number":7,"updated_at":"2026-01-02T03:04:05Z"}}`)

	v := c.VerifyWebhook(signed("issues", body), tenant())
	require.True(t, v.Valid, v.Reason)
	ev, err := c.ParseWebhookEvent(v.Payload)
	require.NoError(t, err)
	assert.Equal(t, "issues.opened", ev.EventName)
	assert.Equal(t, "d-1", ev.EventID)
	assert.Equal(t, connector.KindCreate, ev.Kind)
	assert.Equal(t, "issue", ev.ResourceType)
	assert.Equal(t, "1001", ev.ExternalID)

	ents, err := c.ExtractEntities(ev)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Empty(t, ents[0].ID)
	assert.Equal(t, "github_issue", ents[0].CollectionKey)
	assert.Equal(t, apiVersion, ents[0].APIVersion)
}

func TestWebhook_RejectsTamperedBody(t *testing.T) {
	c := testConnector("http://unused")
	req := signed("issues", []byte(`{"action":"opened","issue":{"id":1}}`))
	req.Body = []byte(`{"action":"opened","issue":{"id":2}}`)
	assert.False(t, c.VerifyWebhook(req, tenant()).Valid)

	req.Header.Del("X-Hub-Signature-256")
	assert.False(t, c.VerifyWebhook(req, tenant()).Valid)
}

func TestWebhook_ReleaseUnpublishedArchives(t *testing.T) {
	c := testConnector("http://unused")
	body := []byte(`{"action":"unpublished","release":{"id":55,"updated_at":"2026-01-02T03:04:05Z"}}`)
	v := c.VerifyWebhook(signed("release", body), tenant())
	require.True(t, v.Valid)
	ev, err := c.ParseWebhookEvent(v.Payload)
	require.NoError(t, err)
	ents, err := c.ExtractEntities(ev)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.NotNil(t, ents[0].ArchivedAt)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), *ents[0].ArchivedAt)
}

func TestWebhook_PingIsUnknown(t *testing.T) {
	c := testConnector("http://unused")
	body := []byte(`{"zen":"keep it simple"}`)
	v := c.VerifyWebhook(signed("ping", body), tenant())
	require.True(t, v.Valid)
	ev, err := c.ParseWebhookEvent(v.Payload)
	require.NoError(t, err)
	assert.Equal(t, connector.UnknownResource, ev.ResourceType)
}

type sliceSink struct {
	ids []string
}

func (s *sliceSink) UpsertEntities(_ context.Context, _ string, ents []connector.NormalizedEntity) (connector.UpsertCounts, error) {
	for _, e := range ents {
		s.ids = append(s.ids, e.ExternalID)
	}
	return connector.UpsertCounts{Created: len(ents)}, nil
}

func (s *sliceSink) DeleteEntity(context.Context, string, string, string) (int64, error) {
	return 0, nil
}

func (s *sliceSink) ExternalIDs(context.Context, string, string, *time.Time) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func TestSync_IssuesSkipPullRequestsAndFollowLinks(t *testing.T) {
	var since []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/api/issues", r.URL.Path)
		assert.Equal(t, "Bearer ghp_x", r.Header.Get("Authorization"))
		since = append(since, r.URL.Query().Get("since"))
		switch r.URL.Query().Get("page") {
		case "1":
			w.Header().Set("Link", `<http://x/issues?page=2>; rel="next", <http://x/issues?page=2>; rel="last"`)
			_, _ = w.Write([]byte(`[{"id":1},{"id":2,"pull_request":{"url":"x"}}]`))
		case "2":
			w.Header().Set("Link", `<http://x/issues?page=1>; rel="prev"`)
			_, _ = w.Write([]byte(`[{"id":3}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	sink := &sliceSink{}
	c := testConnector(srv.URL)
	res := c.FullSync(context.Background(), tenant(), connector.SyncOptions{ResourceType: "issue", PageSize: 2, Sink: sink})
	require.True(t, res.Success, res.ErrorMessages)
	assert.Equal(t, []string{"1", "3"}, sink.ids)
	assert.Equal(t, []string{"", ""}, since)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	since = nil
	sink.ids = nil
	res = c.IncrementalSync(context.Background(), tenant(), at, connector.SyncOptions{ResourceType: "issue", Sink: sink})
	require.True(t, res.Success, res.ErrorMessages)
	assert.Equal(t, "2026-01-01T00:00:00Z", since[0])
}

func TestSync_FullPageWithoutLinkHeaderContinues(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(`[{"id":10},{"id":11}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	sink := &sliceSink{}
	res := testConnector(srv.URL).FullSync(context.Background(), tenant(), connector.SyncOptions{ResourceType: "release", PageSize: 2, Sink: sink})
	require.True(t, res.Success)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"10", "11"}, sink.ids)
}

func TestIncrementalSync_OnlyIssues(t *testing.T) {
	res := testConnector("http://unused").IncrementalSync(context.Background(), tenant(), time.Now(), connector.SyncOptions{ResourceType: "release", Sink: &sliceSink{}})
	assert.False(t, res.Success)
}

func TestHasNextLink(t *testing.T) {
	assert.True(t, hasNextLink(`<a>; rel="next"`))
	assert.False(t, hasNextLink(`<a>; rel="last"`))
	assert.False(t, hasNextLink(""))
}
