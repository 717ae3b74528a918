package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrCapabilityMismatch  = errors.New("connector capabilities do not match its implementation")
	ErrCapabilityMissing   = errors.New("connector does not support this capability")
	ErrUnsupportedResource = errors.New("unsupported resource type")
)

// Capability is a bitmask of the optional behaviours a connector declares.
type Capability uint8

const (
	CapWebhook Capability = 1 << iota
	CapSync
	CapIncrementalSync
	CapConfigValidation
)

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	var parts []string
	if c.Has(CapWebhook) {
		parts = append(parts, "webhook")
	}
	if c.Has(CapSync) {
		parts = append(parts, "sync")
	}
	if c.Has(CapIncrementalSync) {
		parts = append(parts, "incremental_sync")
	}
	if c.Has(CapConfigValidation) {
		parts = append(parts, "config_validation")
	}
	return strings.Join(parts, "|")
}

type EventKind string

const (
	KindCreate  EventKind = "create"
	KindUpdate  EventKind = "update"
	KindDelete  EventKind = "delete"
	KindArchive EventKind = "archive"
)

const UnknownResource = "unknown"

// Resource describes one collection a connector can list.
type Resource struct {
	Name string
	// SyncedWithParent resources are written as child records of another resource and get no task of their own.
	SyncedWithParent    bool
	SupportsIncremental bool
}

// TenantConfig is the per-app configuration handed to every connector call.
type TenantConfig struct {
	AppKey         string
	Provider       string
	Settings       json.RawMessage
	EarliestSyncAt *time.Time
}

// Setting reads a dotted gjson path from the tenant settings.
func (t TenantConfig) Setting(path string) string {
	if len(t.Settings) == 0 {
		return ""
	}
	return strings.TrimSpace(gjson.GetBytes(t.Settings, path).String())
}

type WebhookRequest struct {
	Header http.Header
	Body   []byte
}

// VerifiedPayload is a webhook body whose signature has been checked.
// Its fields are unexported so that a value can only come out of VerifyHMAC.
type VerifiedPayload struct {
	header http.Header
	body   []byte
}

func (p VerifiedPayload) Body() []byte {
	return p.body
}

func (p VerifiedPayload) Header(name string) string {
	if p.header == nil {
		return ""
	}
	return p.header.Get(name)
}

type WebhookVerification struct {
	Valid   bool
	Payload VerifiedPayload
	Reason  string
}

func Reject(format string, args ...any) WebhookVerification {
	return WebhookVerification{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

type ParsedWebhookEvent struct {
	EventID      string
	EventName    string
	Kind         EventKind
	ResourceType string
	ExternalID   string
	APIVersion   string
	Data         json.RawMessage
	OccurredAt   *time.Time
}

type NormalizedEntity struct {
	// ID is an optional natural key. Empty means the store generates one.
	ID            string
	ExternalID    string
	CollectionKey string
	APIVersion    string
	RawPayload    json.RawMessage
	ArchivedAt    *time.Time
}

func CollectionKey(provider, resourceType string) string {
	return provider + "_" + resourceType
}

type SyncResult struct {
	Success       bool     `json:"success"`
	Created       int      `json:"created"`
	Updated       int      `json:"updated"`
	Deleted       int      `json:"deleted"`
	Errors        int      `json:"errors"`
	ErrorMessages []string `json:"error_messages,omitempty"`
	NextCursor    string   `json:"next_cursor,omitempty"`
	HasMore       bool     `json:"has_more,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
}

func (r *SyncResult) AddError(err error) {
	if err == nil {
		return
	}
	r.Success = false
	r.Errors++
	r.ErrorMessages = append(r.ErrorMessages, err.Error())
}

// Processed is the number of entities written by the run.
func (r SyncResult) Processed() int {
	return r.Created + r.Updated
}

type PageProgress struct {
	Entities int
	Cursor   string
}

type SyncOptions struct {
	ResourceType string
	// Cursor resumes a listing. A non-empty cursor disables deletion detection.
	Cursor   string
	PageSize int
	Sink     Sink
	// Yield is consulted after each page. Returning true stops the run with HasMore set.
	Yield  func() bool
	OnPage func(PageProgress)
}

type UpsertCounts struct {
	Created int
	Updated int
}

// Sink is where a sync run writes. Implemented by the entity store.
type Sink interface {
	UpsertEntities(ctx context.Context, appKey string, entities []NormalizedEntity) (UpsertCounts, error)
	DeleteEntity(ctx context.Context, appKey, collectionKey, externalID string) (int64, error)
	ExternalIDs(ctx context.Context, appKey, collectionKey string, createdAfter *time.Time) (map[string]struct{}, error)
}

type Connector interface {
	Provider() string
	Resources() []Resource
	VerifyWebhook(req WebhookRequest, tenant TenantConfig) WebhookVerification
	ParseWebhookEvent(payload VerifiedPayload) (ParsedWebhookEvent, error)
	ExtractEntities(event ParsedWebhookEvent) ([]NormalizedEntity, error)
	NormalizeEntity(resourceType string, raw json.RawMessage) (NormalizedEntity, error)
	FullSync(ctx context.Context, tenant TenantConfig, opts SyncOptions) SyncResult
}

type IncrementalSyncer interface {
	IncrementalSync(ctx context.Context, tenant TenantConfig, since time.Time, opts SyncOptions) SyncResult
}

type ConfigValidator interface {
	ValidateConfig(raw json.RawMessage) error
}
