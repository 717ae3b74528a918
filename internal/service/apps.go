package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"syncbridge/internal/config"
	"syncbridge/internal/connector"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"
	"syncbridge/internal/repository"
)

// ResolvedApp is an enabled tenant bound to its connector.
type ResolvedApp struct {
	App       *models.App
	Connector *connector.Instance
	Tenant    connector.TenantConfig
}

type AppService struct {
	Repo     repository.AppRepository
	Registry *connector.Registry
	// Cipher seals credential settings before they are stored. Nil stores plaintext.
	Cipher *ConfigCipher
	Logger *zap.Logger
}

func (s *AppService) Resolve(ctx context.Context, appKey string) (*ResolvedApp, error) {
	if err := ValidateAppKey(appKey); err != nil {
		return nil, err
	}
	app, err := s.Repo.GetApp(ctx, appKey)
	if err != nil {
		return nil, fmt.Errorf("load app %s: %w", appKey, err)
	}
	if app == nil {
		return nil, ErrAppNotFound
	}
	if !app.Enabled {
		return nil, ErrAppDisabled
	}
	inst, err := s.Registry.Get(app.Provider)
	if err != nil {
		metrics.ConnectorCache.WithLabelValues("error").Inc()
		if errors.Is(err, connector.ErrUnknownProvider) {
			return nil, invalid(ErrAppNotFound, "no connector for provider "+app.Provider)
		}
		return nil, err
	}
	metrics.ConnectorCache.WithLabelValues("ok").Inc()
	settings, err := s.Cipher.Open(app.AppKey, json.RawMessage(app.Config))
	if err != nil {
		return nil, fmt.Errorf("open config of %s: %w", appKey, err)
	}
	return &ResolvedApp{
		App:       app,
		Connector: inst,
		Tenant: connector.TenantConfig{
			AppKey:         app.AppKey,
			Provider:       app.Provider,
			Settings:       settings,
			EarliestSyncAt: app.EarliestSyncAt,
		},
	}, nil
}

type AppInput struct {
	AppKey         string
	Provider       string
	Enabled        bool
	EarliestSyncAt *time.Time
	Config         json.RawMessage
}

func (s *AppService) Upsert(ctx context.Context, in AppInput) (*models.App, error) {
	if err := ValidateAppKey(in.AppKey); err != nil {
		return nil, err
	}
	provider := strings.TrimSpace(strings.ToLower(in.Provider))
	inst, err := s.Registry.Get(provider)
	if err != nil {
		if errors.Is(err, connector.ErrUnknownProvider) {
			return nil, invalid(ErrInvalidConfig, "unknown provider "+in.Provider)
		}
		return nil, err
	}
	raw := in.Config
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := inst.ValidateConfig(raw); err != nil {
		return nil, invalid(ErrInvalidConfig, err.Error())
	}
	var earliest *time.Time
	if in.EarliestSyncAt != nil {
		t := in.EarliestSyncAt.UTC()
		earliest = &t
	}
	sealed, err := s.Cipher.Seal(in.AppKey, raw)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	app := &models.App{
		AppKey:         in.AppKey,
		Provider:       provider,
		Config:         datatypes.JSON(sealed),
		EarliestSyncAt: earliest,
		Enabled:        in.Enabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Repo.UpsertApp(ctx, app); err != nil {
		return nil, err
	}
	app.Config = datatypes.JSON(raw)
	return app, nil
}

func (s *AppService) Get(ctx context.Context, appKey string) (*models.App, error) {
	if err := ValidateAppKey(appKey); err != nil {
		return nil, err
	}
	app, err := s.Repo.GetApp(ctx, appKey)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, ErrAppNotFound
	}
	plain, err := s.Cipher.Open(app.AppKey, json.RawMessage(app.Config))
	if err != nil {
		return nil, fmt.Errorf("open config of %s: %w", appKey, err)
	}
	app.Config = datatypes.JSON(plain)
	return app, nil
}

// ResealAll rewrites every stored config under the primary key. Run it after rotating keys.
func (s *AppService) ResealAll(ctx context.Context) (int, error) {
	apps, err := s.Repo.ListApps(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, app := range apps {
		plain, err := s.Cipher.Open(app.AppKey, json.RawMessage(app.Config))
		if err != nil {
			return n, fmt.Errorf("open config of %s: %w", app.AppKey, err)
		}
		sealed, err := s.Cipher.Seal(app.AppKey, plain)
		if err != nil {
			return n, fmt.Errorf("seal config of %s: %w", app.AppKey, err)
		}
		if bytes.Equal(sealed, app.Config) {
			continue
		}
		if err := s.Repo.UpdateAppConfig(ctx, app.AppKey, datatypes.JSON(sealed), time.Now().UTC()); err != nil {
			return n, err
		}
		n++
	}
	s.logger().Info("app configs resealed", zap.Int("count", n))
	return n, nil
}

// Seed upserts the apps listed in the config file. Invalid entries are skipped with a warning.
func (s *AppService) Seed(ctx context.Context, seeds []config.AppSeed) int {
	ok := 0
	for _, seed := range seeds {
		raw, err := json.Marshal(seed.Config)
		if err != nil {
			s.logger().Warn("app seed config not serializable", zap.String("app_key", seed.AppKey), zap.Error(err))
			continue
		}
		in := AppInput{AppKey: seed.AppKey, Provider: seed.Provider, Enabled: seed.Enabled, Config: raw}
		if seed.EarliestSyncAt != "" {
			t, err := time.Parse(time.RFC3339, seed.EarliestSyncAt)
			if err != nil {
				s.logger().Warn("app seed earliest_sync_at invalid", zap.String("app_key", seed.AppKey), zap.Error(err))
				continue
			}
			in.EarliestSyncAt = &t
		}
		if _, err := s.Upsert(ctx, in); err != nil {
			s.logger().Warn("app seed rejected", zap.String("app_key", seed.AppKey), zap.Error(err))
			continue
		}
		ok++
	}
	return ok
}

func (s *AppService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

var secretHints = []string{"secret", "token", "key", "password"}

// RedactConfig masks credential-looking top-level settings.
func RedactConfig(raw datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	for k, v := range out {
		lower := strings.ToLower(k)
		for _, hint := range secretHints {
			if strings.Contains(lower, hint) {
				if s, ok := v.(string); ok && s != "" {
					out[k] = "***"
				}
				break
			}
		}
	}
	return out
}
