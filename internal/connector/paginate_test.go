package connector

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu      sync.Mutex
	rows    map[string]NormalizedEntity
	upserts int
	failOn  int
}

func newMemSink() *memSink {
	return &memSink{rows: map[string]NormalizedEntity{}}
}

func (s *memSink) UpsertEntities(_ context.Context, _ string, entities []NormalizedEntity) (UpsertCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.failOn > 0 && s.upserts == s.failOn {
		return UpsertCounts{}, errors.New("db down")
	}
	var c UpsertCounts
	for _, e := range entities {
		key := e.CollectionKey + "/" + e.ExternalID
		if _, ok := s.rows[key]; ok {
			c.Updated++
		} else {
			c.Created++
		}
		s.rows[key] = e
	}
	return c, nil
}

func (s *memSink) DeleteEntity(_ context.Context, _, collectionKey, externalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collectionKey + "/" + externalID
	if _, ok := s.rows[key]; !ok {
		return 0, nil
	}
	delete(s.rows, key)
	return 1, nil
}

func (s *memSink) ExternalIDs(_ context.Context, _, collectionKey string, _ *time.Time) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]struct{}{}
	for _, e := range s.rows {
		if e.CollectionKey == collectionKey {
			out[e.ExternalID] = struct{}{}
		}
	}
	return out, nil
}

func (s *memSink) ids(collectionKey string) []string {
	ids, _ := s.ExternalIDs(context.Background(), "", collectionKey, nil)
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type item struct {
	ID string `json:"id"`
}

// pagedListing serves ids in pages of size per call; the cursor is the next offset.
func pagedListing(ids []string, size int) (Listing[item], *int) {
	calls := 0
	return Listing[item]{
		AppKey:        "acme",
		CollectionKey: "test_thing",
		ListPage: func(_ context.Context, cursor string) (Page[item], error) {
			calls++
			off := 0
			if cursor != "" {
				off, _ = strconv.Atoi(cursor)
			}
			end := min(off+size, len(ids))
			page := Page[item]{}
			for _, id := range ids[off:end] {
				page.Items = append(page.Items, item{ID: id})
			}
			if end < len(ids) {
				page.HasMore = true
				page.NextCursor = strconv.Itoa(end)
			}
			return page, nil
		},
		GetID: func(it item) string { return it.ID },
		Normalize: func(it item) (NormalizedEntity, error) {
			raw, _ := json.Marshal(it)
			return NormalizedEntity{ExternalID: it.ID, CollectionKey: "test_thing", RawPayload: raw}, nil
		},
		DetectDeletions: true,
	}, &calls
}

func TestRunPaginated_FirstRunCreatesEverything(t *testing.T) {
	sink := newMemSink()
	l, calls := pagedListing([]string{"A", "B", "C"}, 2)

	res := RunPaginated(context.Background(), l, SyncOptions{Sink: sink})
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 0, res.Deleted)
	assert.False(t, res.HasMore)
	assert.Empty(t, res.NextCursor)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, []string{"A", "B", "C"}, sink.ids("test_thing"))
}

func TestRunPaginated_DeletesMissingIDs(t *testing.T) {
	sink := newMemSink()
	first, _ := pagedListing([]string{"A", "B", "C"}, 10)
	require.True(t, RunPaginated(context.Background(), first, SyncOptions{Sink: sink}).Success)

	second, _ := pagedListing([]string{"A", "B"}, 10)
	res := RunPaginated(context.Background(), second, SyncOptions{Sink: sink})
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, []string{"A", "B"}, sink.ids("test_thing"))
}

func TestRunPaginated_ResumedRunSkipsDeletionDiff(t *testing.T) {
	sink := newMemSink()
	first, _ := pagedListing([]string{"A", "B", "C"}, 10)
	require.True(t, RunPaginated(context.Background(), first, SyncOptions{Sink: sink}).Success)

	// Resuming at offset 1 only sees B and C, which must not delete A.
	second, _ := pagedListing([]string{"A", "B", "C"}, 10)
	res := RunPaginated(context.Background(), second, SyncOptions{Sink: sink, Cursor: "1"})
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, []string{"A", "B", "C"}, sink.ids("test_thing"))
}

func TestRunPaginated_YieldStopsWithCursor(t *testing.T) {
	sink := newMemSink()
	l, calls := pagedListing([]string{"A", "B", "C", "D", "E"}, 2)
	var pages []PageProgress

	res := RunPaginated(context.Background(), l, SyncOptions{
		Sink:   sink,
		Yield:  func() bool { return true },
		OnPage: func(p PageProgress) { pages = append(pages, p) },
	})
	require.True(t, res.Success)
	assert.True(t, res.HasMore)
	assert.Equal(t, "2", res.NextCursor)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, *calls)
	require.Len(t, pages, 1)
	assert.Equal(t, PageProgress{Entities: 2, Cursor: "2"}, pages[0])

	// Continue from the cursor to the end; no rows may be deleted by the partial view.
	res = RunPaginated(context.Background(), l, SyncOptions{Sink: sink, Cursor: res.NextCursor})
	require.True(t, res.Success)
	assert.False(t, res.HasMore)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 0, res.Deleted)
}

func TestRunPaginated_ListingErrorKeepsCursorAndSkipsDeletes(t *testing.T) {
	sink := newMemSink()
	seed, _ := pagedListing([]string{"A", "B", "C"}, 10)
	require.True(t, RunPaginated(context.Background(), seed, SyncOptions{Sink: sink}).Success)

	l, _ := pagedListing([]string{"A"}, 1)
	inner := l.ListPage
	l.ListPage = func(ctx context.Context, cursor string) (Page[item], error) {
		if cursor != "" {
			return Page[item]{}, errors.New("502 bad gateway")
		}
		p, err := inner(ctx, cursor)
		p.HasMore, p.NextCursor = true, "1"
		return p, err
	}

	res := RunPaginated(context.Background(), l, SyncOptions{Sink: sink})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Errors)
	assert.True(t, res.HasMore)
	assert.Equal(t, "1", res.NextCursor)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, []string{"A", "B", "C"}, sink.ids("test_thing"))
}

func TestRunPaginated_MissingCursorSkipsDeletes(t *testing.T) {
	sink := newMemSink()
	seed, _ := pagedListing([]string{"A", "B", "C"}, 10)
	require.True(t, RunPaginated(context.Background(), seed, SyncOptions{Sink: sink}).Success)

	l, calls := pagedListing([]string{"A"}, 1)
	l.ListPage = func(_ context.Context, _ string) (Page[item], error) {
		*calls++
		return Page[item]{Items: []item{{ID: "A"}}, HasMore: true}, nil
	}
	var reported []PageProgress
	res := RunPaginated(context.Background(), l, SyncOptions{
		Sink:   sink,
		OnPage: func(p PageProgress) { reported = append(reported, p) },
	})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Errors)
	assert.Contains(t, res.ErrorMessages[0], "without a cursor")
	assert.False(t, res.HasMore)
	assert.Empty(t, res.NextCursor)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, []PageProgress{{Entities: 1}}, reported)
	assert.Equal(t, []string{"A", "B", "C"}, sink.ids("test_thing"))
}

func TestRunPaginated_UpsertFailureIsAccumulated(t *testing.T) {
	sink := newMemSink()
	sink.failOn = 1
	l, calls := pagedListing([]string{"A", "B", "C", "D"}, 2)

	res := RunPaginated(context.Background(), l, SyncOptions{Sink: sink})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, *calls)
	assert.False(t, res.HasMore)
}

func TestRunPaginated_ChildrenAreWrittenWithParent(t *testing.T) {
	sink := newMemSink()
	l, _ := pagedListing([]string{"A"}, 10)
	l.DetectDeletions = false
	l.Children = func(it item) ([]NormalizedEntity, error) {
		return []NormalizedEntity{
			{ExternalID: it.ID + "-1", CollectionKey: "test_child", RawPayload: json.RawMessage(`{}`)},
			{ExternalID: it.ID + "-2", CollectionKey: "test_child", RawPayload: json.RawMessage(`{}`)},
		}, nil
	}

	res := RunPaginated(context.Background(), l, SyncOptions{Sink: sink})
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, []string{"A-1", "A-2"}, sink.ids("test_child"))
}

func TestRunPaginated_ChildCollectionsAreDiffed(t *testing.T) {
	seedChildren := func(sink *memSink) {
		_, err := sink.UpsertEntities(context.Background(), "acme", []NormalizedEntity{
			{ExternalID: "A", CollectionKey: "test_thing"},
			{ExternalID: "B", CollectionKey: "test_thing"},
			{ExternalID: "A-1", CollectionKey: "test_child"},
			{ExternalID: "A-old", CollectionKey: "test_child"},
			{ExternalID: "B-1", CollectionKey: "test_child"},
		})
		require.NoError(t, err)
	}
	listing := func(childErr error) Listing[item] {
		l, _ := pagedListing([]string{"A"}, 10)
		l.ChildCollections = []string{"test_child"}
		l.Children = func(it item) ([]NormalizedEntity, error) {
			if childErr != nil {
				return nil, childErr
			}
			return []NormalizedEntity{{ExternalID: it.ID + "-1", CollectionKey: "test_child"}}, nil
		}
		return l
	}

	sink := newMemSink()
	seedChildren(sink)
	res := RunPaginated(context.Background(), listing(nil), SyncOptions{Sink: sink})
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, []string{"A"}, sink.ids("test_thing"))
	assert.Equal(t, []string{"A-1"}, sink.ids("test_child"))

	// Without the children of every parent the child diff cannot run.
	sink = newMemSink()
	seedChildren(sink)
	res = RunPaginated(context.Background(), listing(errors.New("bad items")), SyncOptions{Sink: sink})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, []string{"A-1", "A-old", "B-1"}, sink.ids("test_child"))

	sink = newMemSink()
	seedChildren(sink)
	l := listing(nil)
	l.ChildrenTruncated = func(item) bool { return true }
	res = RunPaginated(context.Background(), l, SyncOptions{Sink: sink})
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, []string{"A-1", "A-old", "B-1"}, sink.ids("test_child"))
}

func TestRunPaginated_NoSink(t *testing.T) {
	l, calls := pagedListing([]string{"A"}, 10)
	res := RunPaginated(context.Background(), l, SyncOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, 0, *calls)
}

func TestDecodeItems(t *testing.T) {
	items, err := DecodeItems(`[{"id":"a"},{"id":"b"}]`)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = DecodeItems("")
	require.NoError(t, err)
	assert.Nil(t, items)

	_, err = DecodeItems(`{"id":"a"}`)
	assert.Error(t, err)
}
