package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"syncbridge/internal/connector"
	"syncbridge/internal/eventlog"
	"syncbridge/internal/metrics"
)

type WebhookOutcome struct {
	AppKey       string              `json:"app_key"`
	Provider     string              `json:"provider"`
	EventID      string              `json:"event_id,omitempty"`
	EventName    string              `json:"event"`
	Kind         connector.EventKind `json:"kind"`
	ResourceType string              `json:"resource_type"`
	ExternalID   string              `json:"external_id,omitempty"`
	Created      int                 `json:"created"`
	Updated      int                 `json:"updated"`
	Deleted      int64               `json:"deleted"`
}

// WebhookService verifies, parses and applies one inbound provider event.
type WebhookService struct {
	Apps   *AppService
	Sink   connector.Sink
	Events *eventlog.Sink
	Logger *zap.Logger
}

func (s *WebhookService) Handle(ctx context.Context, appKey string, req connector.WebhookRequest) (out WebhookOutcome, err error) {
	start := time.Now()
	out.AppKey = appKey
	defer func() {
		s.record(out, err, time.Since(start))
	}()

	if err := ValidateAppKey(appKey); err != nil {
		return out, err
	}
	app, err := s.Apps.Resolve(ctx, appKey)
	if err != nil {
		return out, err
	}
	inst := app.Connector
	out.Provider = inst.Provider()
	if !inst.Supports(connector.CapWebhook) {
		return out, ErrWebhookUnsupported
	}

	// Nothing reads the body before this point.
	v := inst.VerifyWebhook(req, app.Tenant)
	if !v.Valid {
		return out, invalid(ErrVerificationFailed, v.Reason)
	}

	ev, err := inst.ParseWebhookEvent(v.Payload)
	if err != nil {
		return out, fmt.Errorf("parse event: %w", err)
	}
	out.EventID = ev.EventID
	out.EventName = ev.EventName
	out.Kind = ev.Kind
	out.ResourceType = ev.ResourceType
	out.ExternalID = ev.ExternalID

	if ev.ResourceType == connector.UnknownResource {
		return out, nil
	}

	if ev.Kind == connector.KindDelete {
		if ev.ExternalID == "" {
			return out, errors.New("delete event without an id")
		}
		n, err := s.Sink.DeleteEntity(ctx, appKey, connector.CollectionKey(inst.Provider(), ev.ResourceType), ev.ExternalID)
		if err != nil {
			return out, fmt.Errorf("delete entity: %w", err)
		}
		out.Deleted = n
		return out, nil
	}

	entities, err := inst.ExtractEntities(ev)
	if err != nil {
		return out, fmt.Errorf("extract entities: %w", err)
	}
	counts, err := s.Sink.UpsertEntities(ctx, appKey, entities)
	if err != nil {
		return out, fmt.Errorf("upsert entities: %w", err)
	}
	out.Created = counts.Created
	out.Updated = counts.Updated
	return out, nil
}

func webhookOutcomeLabel(out WebhookOutcome, err error) string {
	switch {
	case err == nil && out.ResourceType == connector.UnknownResource:
		return "ignored"
	case err == nil:
		return "applied"
	case errors.Is(err, ErrInvalidAppKey):
		return "invalid_app_key"
	case errors.Is(err, ErrAppNotFound), errors.Is(err, ErrAppDisabled), errors.Is(err, ErrWebhookUnsupported):
		return "not_found"
	case errors.Is(err, ErrVerificationFailed):
		return "unauthorized"
	default:
		return "failed"
	}
}

// record never fails the request.
func (s *WebhookService) record(out WebhookOutcome, err error, elapsed time.Duration) {
	label := webhookOutcomeLabel(out, err)
	provider := out.Provider
	if provider == "" {
		provider = "unknown"
	}
	metrics.WebhookEvents.WithLabelValues(provider, label).Inc()

	fields := []zap.Field{
		zap.String("app_key", out.AppKey),
		zap.String("provider", provider),
		zap.String("event", out.EventName),
		zap.String("kind", string(out.Kind)),
		zap.String("resource_type", out.ResourceType),
		zap.String("external_id", out.ExternalID),
		zap.String("outcome", label),
		zap.Duration("elapsed", elapsed),
	}
	level := "info"
	if err != nil {
		fields = append(fields, zap.Error(err))
		level = "warn"
		if label == "failed" {
			level = "error"
		}
		s.logger().Warn("webhook rejected", fields...)
	} else {
		s.logger().Info("webhook processed", fields...)
	}

	details := map[string]any{
		"app_key":       out.AppKey,
		"provider":      provider,
		"event":         out.EventName,
		"resource_type": out.ResourceType,
		"external_id":   out.ExternalID,
		"outcome":       label,
		"created":       out.Created,
		"updated":       out.Updated,
		"deleted":       out.Deleted,
	}
	if err != nil {
		details["error"] = err.Error()
	}
	s.Events.Record("syncbridge_webhook", level, details)
}

func (s *WebhookService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
