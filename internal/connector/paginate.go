package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Page is one response from a provider listing endpoint.
type Page[T any] struct {
	Items      []T
	HasMore    bool
	NextCursor string
}

// Listing binds a provider listing to the store for one collection.
type Listing[T any] struct {
	AppKey        string
	CollectionKey string
	ListPage      func(ctx context.Context, cursor string) (Page[T], error)
	GetID         func(item T) string
	Normalize     func(item T) (NormalizedEntity, error)
	// Children returns nested records written alongside the parent. Optional.
	Children func(item T) ([]NormalizedEntity, error)
	// ChildCollections are diffed with the parent collection. A child row is only listed
	// through its parent, so it is removed once no listed parent carries it.
	ChildCollections []string
	// ChildrenTruncated reports a parent whose embedded children are only a prefix.
	// One such parent disables the child diff for the run.
	ChildrenTruncated func(item T) bool
	// DetectDeletions removes stored ids that the listing no longer returns.
	DetectDeletions bool
	CreatedAfter    *time.Time
}

// RunPaginated pages through a listing sequentially, upserting one batch per page.
// Page failures are accumulated on the result. A listing error stops the run because
// no further cursor is known. Deletion detection only runs when the listing was walked
// from the first page to the last without a listing error.
func RunPaginated[T any](ctx context.Context, l Listing[T], opts SyncOptions) (res SyncResult) {
	start := time.Now()
	res = SyncResult{Success: true}
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	if opts.Sink == nil {
		res.AddError(errors.New("sync sink is not configured"))
		return res
	}

	detect := l.DetectDeletions && opts.Cursor == ""
	var stored map[string]struct{}
	if detect {
		ids, err := opts.Sink.ExternalIDs(ctx, l.AppKey, l.CollectionKey, l.CreatedAfter)
		if err != nil {
			res.AddError(fmt.Errorf("load stored ids: %w", err))
			detect = false
		} else {
			stored = ids
		}
	}

	childStored := make(map[string]map[string]struct{})
	if detect {
		for _, ck := range l.ChildCollections {
			ids, err := opts.Sink.ExternalIDs(ctx, l.AppKey, ck, l.CreatedAfter)
			if err != nil {
				res.AddError(fmt.Errorf("load stored ids of %s: %w", ck, err))
				detect = false
				break
			}
			childStored[ck] = ids
		}
	}
	childrenWhole := len(l.ChildCollections) > 0

	seen := make(map[string]struct{})
	childSeen := make(map[string]map[string]struct{})
	cursor := opts.Cursor
	complete := false
	processed := 0

	for {
		page, err := l.ListPage(ctx, cursor)
		if err != nil {
			res.AddError(fmt.Errorf("list page: %w", err))
			res.NextCursor = cursor
			res.HasMore = true
			break
		}

		batch := make([]NormalizedEntity, 0, len(page.Items))
		for _, item := range page.Items {
			id := l.GetID(item)
			if id != "" {
				seen[id] = struct{}{}
			}
			ent, err := l.Normalize(item)
			if err != nil {
				res.AddError(fmt.Errorf("normalize %s: %w", id, err))
				childrenWhole = false
				continue
			}
			batch = append(batch, ent)
			if l.Children != nil {
				children, err := l.Children(item)
				if err != nil {
					res.AddError(fmt.Errorf("extract children of %s: %w", id, err))
					childrenWhole = false
					continue
				}
				if l.ChildrenTruncated != nil && l.ChildrenTruncated(item) {
					childrenWhole = false
				}
				for _, c := range children {
					if childSeen[c.CollectionKey] == nil {
						childSeen[c.CollectionKey] = make(map[string]struct{})
					}
					childSeen[c.CollectionKey][c.ExternalID] = struct{}{}
				}
				batch = append(batch, children...)
			}
		}

		if len(batch) > 0 {
			counts, err := opts.Sink.UpsertEntities(ctx, l.AppKey, batch)
			if err != nil {
				res.AddError(fmt.Errorf("upsert page: %w", err))
			} else {
				res.Created += counts.Created
				res.Updated += counts.Updated
				processed += counts.Created + counts.Updated
			}
		}

		if page.HasMore && page.NextCursor == "" {
			// The rest of the listing is unreachable, so this pass cannot prove absence.
			res.AddError(errors.New("list page: more results reported without a cursor"))
			res.NextCursor = ""
			res.HasMore = false
			if opts.OnPage != nil {
				opts.OnPage(PageProgress{Entities: processed})
			}
			break
		}
		if !page.HasMore {
			complete = true
			res.NextCursor = ""
			res.HasMore = false
			if opts.OnPage != nil {
				opts.OnPage(PageProgress{Entities: processed})
			}
			break
		}
		cursor = page.NextCursor
		if opts.OnPage != nil {
			opts.OnPage(PageProgress{Entities: processed, Cursor: cursor})
		}
		if opts.Yield != nil && opts.Yield() {
			res.NextCursor = cursor
			res.HasMore = true
			break
		}
	}

	if detect && complete {
		res.Deleted += deleteUnseen(ctx, opts.Sink, l.AppKey, l.CollectionKey, stored, seen, &res)
		if childrenWhole {
			for _, ck := range l.ChildCollections {
				res.Deleted += deleteUnseen(ctx, opts.Sink, l.AppKey, ck, childStored[ck], childSeen[ck], &res)
			}
		}
	}

	return res
}

func deleteUnseen(ctx context.Context, sink Sink, appKey, collectionKey string, stored, seen map[string]struct{}, res *SyncResult) int {
	deleted := 0
	for id := range stored {
		if _, ok := seen[id]; ok {
			continue
		}
		n, err := sink.DeleteEntity(ctx, appKey, collectionKey, id)
		if err != nil {
			res.AddError(fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		deleted += int(n)
	}
	return deleted
}

// DecodeItems unmarshals a raw JSON array of list items.
func DecodeItems(raw string) ([]json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	return items, nil
}
