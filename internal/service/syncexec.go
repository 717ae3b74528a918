package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"syncbridge/internal/connector"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"
	"syncbridge/internal/repository"
)

type SyncRequest struct {
	App          *ResolvedApp
	ResourceType string
	Mode         models.SyncMode
	// Cursor resumes a listing left behind by an earlier segment.
	Cursor string
	// FetchStartedAt is the timestamp captured by the first segment of a resumed run.
	FetchStartedAt *time.Time
	Yield          func() bool
	OnPage         func(connector.PageProgress)
}

type SyncOutcome struct {
	connector.SyncResult
	ResourceType   string          `json:"resource_type"`
	Mode           models.SyncMode `json:"mode"`
	FetchStartedAt time.Time       `json:"-"`
}

// SyncExecutor runs one resource of one app through its connector and advances the sync state.
type SyncExecutor struct {
	States   repository.SyncStateRepository
	Sink     connector.Sink
	Logger   *zap.Logger
	PageSize int
	Now      func() time.Time
}

func (e *SyncExecutor) Run(ctx context.Context, req SyncRequest) (SyncOutcome, error) {
	if req.App == nil || req.App.Connector == nil {
		return SyncOutcome{}, fmt.Errorf("sync: app is not resolved")
	}
	inst := req.App.Connector
	res, ok := inst.Resource(req.ResourceType)
	if !ok || res.SyncedWithParent {
		return SyncOutcome{}, invalid(ErrUnsupportedResource, req.ResourceType)
	}
	collection := connector.CollectionKey(inst.Provider(), req.ResourceType)

	fetchStarted := e.now()
	if req.FetchStartedAt != nil {
		fetchStarted = req.FetchStartedAt.UTC()
	}

	mode := models.SyncModeFull
	var since time.Time
	if req.Mode == models.SyncModeIncremental && inst.CanIncremental() && res.SupportsIncremental {
		state, err := e.States.GetSyncState(ctx, req.App.App.AppKey, collection)
		if err != nil {
			return SyncOutcome{}, fmt.Errorf("load sync state %s: %w", collection, err)
		}
		if state != nil {
			mode = models.SyncModeIncremental
			since = state.LastSyncedAt
		}
	}

	opts := connector.SyncOptions{
		ResourceType: req.ResourceType,
		Cursor:       req.Cursor,
		PageSize:     e.PageSize,
		Sink:         e.Sink,
		Yield:        req.Yield,
		OnPage:       req.OnPage,
	}
	start := time.Now()
	var result connector.SyncResult
	if mode == models.SyncModeIncremental {
		result = inst.IncrementalSync(ctx, req.App.Tenant, since, opts)
	} else {
		result = inst.FullSync(ctx, req.App.Tenant, opts)
	}
	metrics.SyncRunDuration.WithLabelValues(inst.Provider(), string(mode)).Observe(time.Since(start).Seconds())

	if result.Success && !result.HasMore {
		meta := models.SyncStateMetadata{
			Mode:       string(mode),
			Created:    result.Created,
			Updated:    result.Updated,
			Deleted:    result.Deleted,
			Errors:     result.Errors,
			DurationMs: result.DurationMs,
		}
		err := e.States.SaveSyncState(ctx, &models.SyncState{
			AppKey:           req.App.App.AppKey,
			CollectionKey:    collection,
			LastSyncedAt:     fetchStarted,
			LastSyncMetadata: mustJSON(meta),
		})
		if err != nil {
			result.AddError(fmt.Errorf("save sync state: %w", err))
		}
	}

	e.logger().Info("sync segment finished",
		zap.String("app_key", req.App.App.AppKey),
		zap.String("collection", collection),
		zap.String("mode", string(mode)),
		zap.Bool("resumed", req.Cursor != ""),
		zap.Bool("success", result.Success),
		zap.Bool("has_more", result.HasMore),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("deleted", result.Deleted),
		zap.Int("errors", result.Errors),
	)

	return SyncOutcome{
		SyncResult:     result,
		ResourceType:   req.ResourceType,
		Mode:           mode,
		FetchStartedAt: fetchStarted,
	}, nil
}

func (e *SyncExecutor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *SyncExecutor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(b)
}
