package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"syncbridge/internal/models"
)

func TestSyncExecutor_FullRunRecordsPreFetchTimestamp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1", "c2", "c3")
	fetchedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	env.exec.Now = fixedClock(fetchedAt)

	_, err := env.store.UpsertEntities(ctx, []models.Entity{{
		AppKey: "acme", CollectionKey: "fake_customer", ExternalID: "ghost", RawPayload: datatypes.JSON(`{}`),
	}})
	require.NoError(t, err)

	out, err := env.exec.Run(ctx, SyncRequest{App: env.resolve(t, "acme"), ResourceType: "customer", Mode: models.SyncModeFull})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, models.SyncModeFull, out.Mode)
	assert.Equal(t, 3, out.Created)
	assert.Equal(t, 1, out.Deleted)

	state, err := env.store.GetSyncState(ctx, "acme", "fake_customer")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.LastSyncedAt.Equal(fetchedAt))
	var meta models.SyncStateMetadata
	require.NoError(t, json.Unmarshal(state.LastSyncMetadata, &meta))
	assert.Equal(t, "full", meta.Mode)
	assert.Equal(t, 3, meta.Created)
	assert.Equal(t, 1, meta.Deleted)
}

func TestSyncExecutor_IncrementalUsesLastSyncedAt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1", "c2")
	first := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	app := env.resolve(t, "acme")

	// No state yet, so the incremental request runs a full listing.
	env.exec.Now = fixedClock(first)
	out, err := env.exec.Run(ctx, SyncRequest{App: app, ResourceType: "customer", Mode: models.SyncModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeFull, out.Mode)
	assert.Empty(t, env.fake.seenSince())

	env.exec.Now = fixedClock(second)
	out, err = env.exec.Run(ctx, SyncRequest{App: app, ResourceType: "customer", Mode: models.SyncModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, models.SyncModeIncremental, out.Mode)
	assert.Equal(t, 2, out.Updated)
	require.Len(t, env.fake.seenSince(), 1)
	assert.True(t, env.fake.seenSince()[0].Equal(first))

	state, err := env.store.GetSyncState(ctx, "acme", "fake_customer")
	require.NoError(t, err)
	assert.True(t, state.LastSyncedAt.Equal(second))
}

func TestSyncExecutor_IncrementalFallsBackForFullOnlyResource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("product", "p1")
	app := env.resolve(t, "acme")

	for i := 0; i < 2; i++ {
		out, err := env.exec.Run(ctx, SyncRequest{App: app, ResourceType: "product", Mode: models.SyncModeIncremental})
		require.NoError(t, err)
		assert.Equal(t, models.SyncModeFull, out.Mode)
	}
	assert.Empty(t, env.fake.seenSince())
}

func TestSyncExecutor_FailureKeepsSyncState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1")
	env.fake.failOn = "customer"

	out, err := env.exec.Run(ctx, SyncRequest{App: env.resolve(t, "acme"), ResourceType: "customer"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.Errors)

	state, err := env.store.GetSyncState(ctx, "acme", "fake_customer")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSyncExecutor_YieldedRunKeepsSyncState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1", "c2", "c3")

	out, err := env.exec.Run(ctx, SyncRequest{
		App:          env.resolve(t, "acme"),
		ResourceType: "customer",
		Yield:        func() bool { return true },
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, out.HasMore)
	assert.Equal(t, "2", out.NextCursor)

	state, err := env.store.GetSyncState(ctx, "acme", "fake_customer")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSyncExecutor_RejectsChildAndUnknownResources(t *testing.T) {
	env := newTestEnv(t)
	app := env.resolve(t, "acme")
	for _, rt := range []string{"line", "invoice"} {
		_, err := env.exec.Run(context.Background(), SyncRequest{App: app, ResourceType: rt})
		assert.True(t, errors.Is(err, ErrUnsupportedResource), rt)
	}
}
