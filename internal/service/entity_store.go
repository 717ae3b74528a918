package service

import (
	"bytes"
	"context"
	"time"

	"gorm.io/datatypes"

	"syncbridge/internal/connector"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"
	"syncbridge/internal/repository"
)

// EntityStore adapts the entity repository to the connector sink contract.
type EntityStore struct {
	Repo repository.EntityRepository
}

func (s *EntityStore) UpsertEntities(ctx context.Context, appKey string, entities []connector.NormalizedEntity) (connector.UpsertCounts, error) {
	if len(entities) == 0 {
		return connector.UpsertCounts{}, nil
	}
	rows := make([]models.Entity, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, toEntity(appKey, e))
	}
	res, err := s.Repo.UpsertEntities(ctx, rows)
	if err != nil {
		return connector.UpsertCounts{}, err
	}
	metrics.EntitiesWritten.WithLabelValues("created").Add(float64(res.Created))
	metrics.EntitiesWritten.WithLabelValues("updated").Add(float64(res.Updated))
	return connector.UpsertCounts{Created: res.Created, Updated: res.Updated}, nil
}

func (s *EntityStore) DeleteEntity(ctx context.Context, appKey, collectionKey, externalID string) (int64, error) {
	n, err := s.Repo.DeleteEntity(ctx, appKey, collectionKey, externalID)
	if err != nil {
		return 0, err
	}
	metrics.EntitiesWritten.WithLabelValues("deleted").Add(float64(n))
	return n, nil
}

func (s *EntityStore) ExternalIDs(ctx context.Context, appKey, collectionKey string, createdAfter *time.Time) (map[string]struct{}, error) {
	ids, err := s.Repo.ListExternalIDs(ctx, appKey, collectionKey, createdAfter)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func toEntity(appKey string, e connector.NormalizedEntity) models.Entity {
	raw := bytes.TrimSpace(e.RawPayload)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	return models.Entity{
		ID:            scopedID(appKey, e.ID),
		ExternalID:    e.ExternalID,
		AppKey:        appKey,
		CollectionKey: e.CollectionKey,
		APIVersion:    strPtr(e.APIVersion),
		RawPayload:    datatypes.JSON(raw),
		ArchivedAt:    e.ArchivedAt,
	}
}

// scopedID prefixes a provider's natural key with the app so two apps reading the same
// provider account never share a primary key. An empty id is left for the store to generate.
func scopedID(appKey, id string) string {
	if id == "" {
		return ""
	}
	return appKey + ":" + id
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

var _ connector.Sink = (*EntityStore)(nil)
