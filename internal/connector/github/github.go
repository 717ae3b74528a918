package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"syncbridge/internal/client/provider"
	"syncbridge/internal/connector"
)

const (
	Provider = "github"

	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
	defaultPageSize = 100
	apiVersion      = "2022-11-28"
)

const configSchema = `{
  "type": "object",
  "required": ["webhook_secret", "owner", "repo"],
  "properties": {
    "token": {"type": "string"},
    "webhook_secret": {"type": "string", "minLength": 1},
    "owner": {"type": "string", "minLength": 1},
    "repo": {"type": "string", "minLength": 1}
  }
}`

var resources = []connector.Resource{
	{Name: "issue", SupportsIncremental: true},
	{Name: "pull_request"},
	{Name: "release"},
}

// payloadKey is where each resource sits inside a webhook body.
var payloadKey = map[string]string{
	"issue":        "issue",
	"pull_request": "pull_request",
	"release":      "release",
}

var kinds = connector.KindTable{
	"issues.opened":                 {Kind: connector.KindCreate, Resource: "issue"},
	"issues.edited":                 {Kind: connector.KindUpdate, Resource: "issue"},
	"issues.closed":                 {Kind: connector.KindUpdate, Resource: "issue"},
	"issues.reopened":               {Kind: connector.KindUpdate, Resource: "issue"},
	"issues.labeled":                {Kind: connector.KindUpdate, Resource: "issue"},
	"issues.unlabeled":              {Kind: connector.KindUpdate, Resource: "issue"},
	"issues.assigned":               {Kind: connector.KindUpdate, Resource: "issue"},
	"issues.unassigned":             {Kind: connector.KindUpdate, Resource: "issue"},
	"issues.transferred":            {Kind: connector.KindArchive, Resource: "issue"},
	"issues.deleted":                {Kind: connector.KindDelete, Resource: "issue"},
	"pull_request.opened":           {Kind: connector.KindCreate, Resource: "pull_request"},
	"pull_request.edited":           {Kind: connector.KindUpdate, Resource: "pull_request"},
	"pull_request.closed":           {Kind: connector.KindUpdate, Resource: "pull_request"},
	"pull_request.reopened":         {Kind: connector.KindUpdate, Resource: "pull_request"},
	"pull_request.synchronize":      {Kind: connector.KindUpdate, Resource: "pull_request"},
	"pull_request.ready_for_review": {Kind: connector.KindUpdate, Resource: "pull_request"},
	"release.created":               {Kind: connector.KindCreate, Resource: "release"},
	"release.published":             {Kind: connector.KindUpdate, Resource: "release"},
	"release.edited":                {Kind: connector.KindUpdate, Resource: "release"},
	"release.unpublished":           {Kind: connector.KindArchive, Resource: "release"},
	"release.deleted":               {Kind: connector.KindDelete, Resource: "release"},
}

var schema = connector.MustCompileConfigSchema(Provider, configSchema)

type Connector struct {
	client   *provider.Client
	pageSize int
}

func New(client *provider.Client) *Connector {
	return &Connector{client: client, pageSize: defaultPageSize}
}

func Factory(client *provider.Client) connector.Factory {
	return connector.Factory{
		Provider:     Provider,
		Capabilities: connector.CapWebhook | connector.CapSync | connector.CapIncrementalSync | connector.CapConfigValidation,
		New: func() (connector.Connector, error) {
			if client == nil {
				return nil, errors.New("github: api client is required")
			}
			return New(client), nil
		},
	}
}

func (c *Connector) Provider() string { return Provider }

func (c *Connector) Resources() []connector.Resource { return resources }

func (c *Connector) ValidateConfig(raw json.RawMessage) error {
	return schema.Validate(raw)
}

func (c *Connector) VerifyWebhook(req connector.WebhookRequest, tenant connector.TenantConfig) connector.WebhookVerification {
	sig, ok := connector.PrefixedSignature(req.Header.Get(signatureHeader), signaturePrefix)
	if !ok {
		return connector.Reject("missing %s header", signatureHeader)
	}
	return connector.VerifyHMAC(req, connector.HMACCheck{
		Algorithm:  connector.SHA256,
		Secret:     tenant.Setting("webhook_secret"),
		Message:    req.Body,
		Signatures: []string{sig},
	})
}

func (c *Connector) ParseWebhookEvent(payload connector.VerifiedPayload) (connector.ParsedWebhookEvent, error) {
	body := payload.Body()
	if !gjson.ValidBytes(body) {
		return connector.ParsedWebhookEvent{}, errors.New("github: payload is not valid json")
	}
	doc := gjson.ParseBytes(body)
	name := strings.TrimSpace(payload.Header(eventHeader))
	if action := doc.Get("action").String(); action != "" {
		name = name + "." + action
	}
	m := kinds.Lookup(name)
	ev := connector.ParsedWebhookEvent{
		EventID:      payload.Header(deliveryHeader),
		EventName:    name,
		Kind:         m.Kind,
		ResourceType: m.Resource,
	}
	if key, ok := payloadKey[m.Resource]; ok {
		obj := doc.Get(key)
		ev.ExternalID = obj.Get("id").String()
		ev.Data = json.RawMessage(obj.Raw)
		if ts := obj.Get("updated_at").Time(); !ts.IsZero() {
			t := ts.UTC()
			ev.OccurredAt = &t
		}
	}
	return ev, nil
}

func (c *Connector) ExtractEntities(ev connector.ParsedWebhookEvent) ([]connector.NormalizedEntity, error) {
	if ev.ResourceType == connector.UnknownResource {
		return nil, nil
	}
	ent, err := c.NormalizeEntity(ev.ResourceType, ev.Data)
	if err != nil {
		return nil, err
	}
	ent.APIVersion = apiVersion
	if ev.Kind == connector.KindArchive {
		at := time.Now().UTC()
		if ev.OccurredAt != nil {
			at = *ev.OccurredAt
		}
		ent.ArchivedAt = &at
	}
	return []connector.NormalizedEntity{ent}, nil
}

// NormalizeEntity keys records by GitHub's numeric id. Repository-scoped numbers are not unique across repos.
func (c *Connector) NormalizeEntity(resourceType string, raw json.RawMessage) (connector.NormalizedEntity, error) {
	if _, ok := payloadKey[resourceType]; !ok {
		return connector.NormalizedEntity{}, fmt.Errorf("%w: github %s", connector.ErrUnsupportedResource, resourceType)
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return connector.NormalizedEntity{}, fmt.Errorf("github %s: missing id", resourceType)
	}
	return connector.NormalizedEntity{
		ExternalID:    id,
		CollectionKey: connector.CollectionKey(Provider, resourceType),
		RawPayload:    raw,
	}, nil
}

func (c *Connector) FullSync(ctx context.Context, tenant connector.TenantConfig, opts connector.SyncOptions) connector.SyncResult {
	return c.sync(ctx, tenant, nil, opts)
}

func (c *Connector) IncrementalSync(ctx context.Context, tenant connector.TenantConfig, since time.Time, opts connector.SyncOptions) connector.SyncResult {
	if opts.ResourceType != "issue" {
		res := connector.SyncResult{Success: true}
		res.AddError(fmt.Errorf("%w: github %s has no incremental listing", connector.ErrUnsupportedResource, opts.ResourceType))
		return res
	}
	return c.sync(ctx, tenant, &since, opts)
}

func (c *Connector) sync(ctx context.Context, tenant connector.TenantConfig, since *time.Time, opts connector.SyncOptions) connector.SyncResult {
	owner, repo := tenant.Setting("owner"), tenant.Setting("repo")
	var path string
	switch opts.ResourceType {
	case "issue":
		path = "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/issues"
	case "pull_request":
		path = "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/pulls"
	case "release":
		path = "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/releases"
	default:
		res := connector.SyncResult{Success: true}
		res.AddError(fmt.Errorf("%w: github %s", connector.ErrUnsupportedResource, opts.ResourceType))
		return res
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 100 {
		perPage = c.pageSize
	}
	header := provider.BearerHeader(tenant.Setting("token"))
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", apiVersion)

	listing := connector.Listing[gjson.Result]{
		AppKey:        tenant.AppKey,
		CollectionKey: connector.CollectionKey(Provider, opts.ResourceType),
		ListPage: func(ctx context.Context, cursor string) (connector.Page[gjson.Result], error) {
			page := 1
			if cursor != "" {
				n, err := strconv.Atoi(cursor)
				if err != nil || n < 1 {
					return connector.Page[gjson.Result]{}, fmt.Errorf("github: invalid page cursor %q", cursor)
				}
				page = n
			}
			q := url.Values{}
			q.Set("per_page", strconv.Itoa(perPage))
			q.Set("page", strconv.Itoa(page))
			if opts.ResourceType != "release" {
				q.Set("state", "all")
			}
			if since != nil {
				q.Set("since", since.UTC().Format(time.RFC3339))
			}
			resp, err := c.client.Get(ctx, provider.Request{Path: path, Query: q, Header: header})
			if err != nil {
				return connector.Page[gjson.Result]{}, err
			}
			raw := gjson.ParseBytes(resp.Body).Array()
			items := make([]gjson.Result, 0, len(raw))
			for _, it := range raw {
				// The issues endpoint also returns pull requests.
				if opts.ResourceType == "issue" && it.Get("pull_request").Exists() {
					continue
				}
				items = append(items, it)
			}
			out := connector.Page[gjson.Result]{Items: items}
			if hasNextLink(resp.Header.Get("Link")) || (resp.Header.Get("Link") == "" && len(raw) == perPage) {
				out.HasMore = true
				out.NextCursor = strconv.Itoa(page + 1)
			}
			return out, nil
		},
		GetID: func(item gjson.Result) string { return item.Get("id").String() },
		Normalize: func(item gjson.Result) (connector.NormalizedEntity, error) {
			ent, err := c.NormalizeEntity(opts.ResourceType, json.RawMessage(item.Raw))
			if err == nil {
				ent.APIVersion = apiVersion
			}
			return ent, err
		},
		DetectDeletions: since == nil,
		CreatedAfter:    tenant.EarliestSyncAt,
	}
	return connector.RunPaginated(ctx, listing, opts)
}

func hasNextLink(link string) bool {
	for _, part := range strings.Split(link, ",") {
		if strings.Contains(part, `rel="next"`) {
			return true
		}
	}
	return false
}
