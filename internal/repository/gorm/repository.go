package gormrepository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"syncbridge/internal/models"
	"syncbridge/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- entities ----------------------------------------------------------------

type entityKey struct {
	collection string
	externalID string
}

func (s *Store) UpsertEntities(ctx context.Context, items []models.Entity) (repository.UpsertResult, error) {
	var out repository.UpsertResult
	if s == nil || s.db == nil || len(items) == 0 {
		return out, nil
	}

	// A conflict target may only be hit once per statement, so the last write for a key wins.
	idx := make(map[entityKey]int, len(items))
	deduped := make([]models.Entity, 0, len(items))
	for _, it := range items {
		k := entityKey{collection: it.CollectionKey, externalID: it.ExternalID}
		if i, ok := idx[k]; ok {
			deduped[i] = it
			continue
		}
		idx[k] = len(deduped)
		deduped = append(deduped, it)
	}
	appKey := deduped[0].AppKey
	now := time.Now().UTC()
	for i := range deduped {
		if deduped[i].ID == "" {
			deduped[i].ID = uuid.NewString()
		}
		if deduped[i].AppKey != appKey {
			return out, errors.New("upsert entities: batch spans more than one app")
		}
		deduped[i].CreatedAt = now
		deduped[i].UpdatedAt = now
	}

	byCollection := make(map[string][]string)
	for _, it := range deduped {
		byCollection[it.CollectionKey] = append(byCollection[it.CollectionKey], it.ExternalID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing := make(map[entityKey]struct{})
		for collection, ids := range byCollection {
			var found []string
			if err := tx.Model(&models.Entity{}).
				Where("app_key = ? AND collection_key = ? AND external_id IN ?", appKey, collection, ids).
				Pluck("external_id", &found).Error; err != nil {
				return err
			}
			for _, id := range found {
				existing[entityKey{collection: collection, externalID: id}] = struct{}{}
			}
		}
		for _, it := range deduped {
			if _, ok := existing[entityKey{collection: it.CollectionKey, externalID: it.ExternalID}]; ok {
				out.Updated++
			} else {
				out.Created++
			}
		}
		return createInBatches(tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "app_key"}, {Name: "collection_key"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"api_version",
				"raw_payload",
				"archived_at",
				"updated_at",
			}),
		}), deduped, 200)
	})
	if err != nil {
		return repository.UpsertResult{}, err
	}
	return out, nil
}

func (s *Store) DeleteEntity(ctx context.Context, appKey, collectionKey, externalID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("app_key = ? AND collection_key = ? AND external_id = ?", appKey, collectionKey, externalID).
		Delete(&models.Entity{})
	return res.RowsAffected, res.Error
}

func (s *Store) ListExternalIDs(ctx context.Context, appKey, collectionKey string, createdAfter *time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Entity{}).
		Where("app_key = ? AND collection_key = ?", appKey, collectionKey)
	if createdAfter != nil {
		query = query.Where("created_at >= ?", createdAfter.UTC())
	}
	var ids []string
	if err := query.Pluck("external_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) GetEntity(ctx context.Context, appKey, collectionKey, externalID string) (*models.Entity, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Entity
	err := s.db.WithContext(ctx).
		First(&item, "app_key = ? AND collection_key = ? AND external_id = ?", appKey, collectionKey, externalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) CountEntities(ctx context.Context, appKey, collectionKey string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&models.Entity{}).
		Where("app_key = ? AND collection_key = ?", appKey, collectionKey).
		Count(&total).Error
	return total, err
}

// --- sync state --------------------------------------------------------------

func (s *Store) GetSyncState(ctx context.Context, appKey, collectionKey string) (*models.SyncState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var state models.SyncState
	err := s.db.WithContext(ctx).First(&state, "app_key = ? AND collection_key = ?", appKey, collectionKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	if s == nil || s.db == nil || state == nil {
		return nil
	}
	state.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "app_key"}, {Name: "collection_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_synced_at",
			"last_sync_metadata",
			"updated_at",
		}),
	}).Create(state).Error
}

func (s *Store) ListSyncStates(ctx context.Context, appKey string) ([]models.SyncState, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var states []models.SyncState
	if err := s.db.WithContext(ctx).
		Where("app_key = ?", appKey).
		Order("collection_key asc").
		Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// --- apps --------------------------------------------------------------------

func (s *Store) GetApp(ctx context.Context, appKey string) (*models.App, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var app models.App
	err := s.db.WithContext(ctx).First(&app, "app_key = ?", appKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *Store) UpsertApp(ctx context.Context, app *models.App) error {
	if s == nil || s.db == nil || app == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "app_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider",
			"config",
			"earliest_sync_at",
			"enabled",
			"updated_at",
		}),
	}).Create(app).Error
}

func (s *Store) ListApps(ctx context.Context) ([]models.App, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var apps []models.App
	err := s.db.WithContext(ctx).Order("app_key asc").Find(&apps).Error
	return apps, err
}

func (s *Store) UpdateAppConfig(ctx context.Context, appKey string, cfg datatypes.JSON, now time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.App{}).
		Where("app_key = ?", appKey).
		Updates(map[string]any{"config": cfg, "updated_at": now}).Error
}

func createInBatches[T any](db *gorm.DB, items []T, batchSize int) error {
	if len(items) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := db.CreateInBatches(items[i:end], batchSize).Error; err != nil {
			return err
		}
	}
	return nil
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

var _ repository.Repository = (*Store)(nil)
