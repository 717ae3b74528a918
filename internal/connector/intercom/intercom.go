package intercom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"syncbridge/internal/client/provider"
	"syncbridge/internal/connector"
)

const (
	Provider = "intercom"

	signatureHeader = "X-Hub-Signature"
	signaturePrefix = "sha1="
	defaultPageSize = 50
)

const configSchema = `{
  "type": "object",
  "required": ["client_secret"],
  "properties": {
    "access_token": {"type": "string"},
    "client_secret": {"type": "string", "minLength": 1},
    "api_version": {"type": "string"}
  }
}`

var resources = []connector.Resource{
	{Name: "contact"},
	{Name: "conversation"},
	{Name: "conversation_part", SyncedWithParent: true},
}

type listSpec struct {
	path     string
	itemsKey string
}

var lists = map[string]listSpec{
	"contact":      {path: "/contacts", itemsKey: "data"},
	"conversation": {path: "/conversations", itemsKey: "conversations"},
}

var kinds = connector.KindTable{
	"contact.user.created":              {Kind: connector.KindCreate, Resource: "contact"},
	"contact.lead.created":              {Kind: connector.KindCreate, Resource: "contact"},
	"contact.user.updated":              {Kind: connector.KindUpdate, Resource: "contact"},
	"contact.lead.updated":              {Kind: connector.KindUpdate, Resource: "contact"},
	"contact.lead.signed_up":            {Kind: connector.KindUpdate, Resource: "contact"},
	"contact.archived":                  {Kind: connector.KindArchive, Resource: "contact"},
	"contact.unarchived":                {Kind: connector.KindUpdate, Resource: "contact"},
	"contact.deleted":                   {Kind: connector.KindDelete, Resource: "contact"},
	"conversation.user.created":         {Kind: connector.KindCreate, Resource: "conversation"},
	"conversation.admin.single.created": {Kind: connector.KindCreate, Resource: "conversation"},
	"conversation.user.replied":         {Kind: connector.KindUpdate, Resource: "conversation"},
	"conversation.admin.replied":        {Kind: connector.KindUpdate, Resource: "conversation"},
	"conversation.admin.noted":          {Kind: connector.KindUpdate, Resource: "conversation"},
	"conversation.admin.assigned":       {Kind: connector.KindUpdate, Resource: "conversation"},
	"conversation.admin.closed":         {Kind: connector.KindUpdate, Resource: "conversation"},
	"conversation.admin.opened":         {Kind: connector.KindUpdate, Resource: "conversation"},
	"conversation.admin.snoozed":        {Kind: connector.KindUpdate, Resource: "conversation"},
	"conversation.deleted":              {Kind: connector.KindDelete, Resource: "conversation"},
}

var schema = connector.MustCompileConfigSchema(Provider, configSchema)

// Connector has no incremental listing: every sync is a full pass.
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
		Capabilities: connector.CapWebhook | connector.CapSync | connector.CapConfigValidation,
		New: func() (connector.Connector, error) {
			if client == nil {
				return nil, errors.New("intercom: api client is required")
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
		Algorithm:  connector.SHA1,
		Secret:     tenant.Setting("client_secret"),
		Message:    req.Body,
		Signatures: []string{sig},
	})
}

func (c *Connector) ParseWebhookEvent(payload connector.VerifiedPayload) (connector.ParsedWebhookEvent, error) {
	body := payload.Body()
	if !gjson.ValidBytes(body) {
		return connector.ParsedWebhookEvent{}, errors.New("intercom: payload is not valid json")
	}
	doc := gjson.ParseBytes(body)
	topic := doc.Get("topic").String()
	m := kinds.Lookup(topic)
	item := doc.Get("data.item")
	ev := connector.ParsedWebhookEvent{
		EventID:      doc.Get("id").String(),
		EventName:    topic,
		Kind:         m.Kind,
		ResourceType: m.Resource,
		ExternalID:   item.Get("id").String(),
		Data:         json.RawMessage(item.Raw),
	}
	if created := doc.Get("created_at").Int(); created > 0 {
		t := time.Unix(created, 0).UTC()
		ev.OccurredAt = &t
	}
	return ev, nil
}

func (c *Connector) ExtractEntities(ev connector.ParsedWebhookEvent) ([]connector.NormalizedEntity, error) {
	if ev.ResourceType == connector.UnknownResource {
		return nil, nil
	}
	parent, err := c.NormalizeEntity(ev.ResourceType, ev.Data)
	if err != nil {
		return nil, err
	}
	if ev.Kind == connector.KindArchive {
		at := time.Now().UTC()
		if ev.OccurredAt != nil {
			at = *ev.OccurredAt
		}
		parent.ArchivedAt = &at
	}
	out := []connector.NormalizedEntity{parent}
	if ev.ResourceType == "conversation" {
		out = append(out, conversationParts(gjson.ParseBytes(ev.Data))...)
	}
	return out, nil
}

func (c *Connector) NormalizeEntity(resourceType string, raw json.RawMessage) (connector.NormalizedEntity, error) {
	if _, ok := lists[resourceType]; !ok && resourceType != "conversation_part" {
		return connector.NormalizedEntity{}, fmt.Errorf("%w: intercom %s", connector.ErrUnsupportedResource, resourceType)
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return connector.NormalizedEntity{}, fmt.Errorf("intercom %s: missing id", resourceType)
	}
	return connector.NormalizedEntity{
		ExternalID:    id,
		CollectionKey: connector.CollectionKey(Provider, resourceType),
		RawPayload:    raw,
	}, nil
}

// conversationParts skips parts without an id; Intercom omits them for redacted messages.
func conversationParts(conv gjson.Result) []connector.NormalizedEntity {
	var out []connector.NormalizedEntity
	for _, part := range conv.Get("conversation_parts.conversation_parts").Array() {
		id := part.Get("id").String()
		if id == "" {
			continue
		}
		out = append(out, connector.NormalizedEntity{
			ExternalID:    id,
			CollectionKey: connector.CollectionKey(Provider, "conversation_part"),
			RawPayload:    json.RawMessage(part.Raw),
		})
	}
	return out
}

func (c *Connector) FullSync(ctx context.Context, tenant connector.TenantConfig, opts connector.SyncOptions) connector.SyncResult {
	spec, ok := lists[opts.ResourceType]
	if !ok {
		res := connector.SyncResult{Success: true}
		res.AddError(fmt.Errorf("%w: intercom %s", connector.ErrUnsupportedResource, opts.ResourceType))
		return res
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 150 {
		perPage = c.pageSize
	}
	header := provider.BearerHeader(tenant.Setting("access_token"))
	if v := tenant.Setting("api_version"); v != "" {
		header.Set("Intercom-Version", v)
	}

	listing := connector.Listing[gjson.Result]{
		AppKey:        tenant.AppKey,
		CollectionKey: connector.CollectionKey(Provider, opts.ResourceType),
		ListPage: func(ctx context.Context, cursor string) (connector.Page[gjson.Result], error) {
			q := url.Values{}
			q.Set("per_page", strconv.Itoa(perPage))
			if cursor != "" {
				q.Set("starting_after", cursor)
			}
			resp, err := c.client.Get(ctx, provider.Request{Path: spec.path, Query: q, Header: header})
			if err != nil {
				return connector.Page[gjson.Result]{}, err
			}
			doc := gjson.ParseBytes(resp.Body)
			next := doc.Get("pages.next.starting_after").String()
			return connector.Page[gjson.Result]{
				Items:      doc.Get(spec.itemsKey).Array(),
				HasMore:    next != "",
				NextCursor: next,
			}, nil
		},
		GetID: func(item gjson.Result) string { return item.Get("id").String() },
		Normalize: func(item gjson.Result) (connector.NormalizedEntity, error) {
			return c.NormalizeEntity(opts.ResourceType, json.RawMessage(item.Raw))
		},
		DetectDeletions: true,
		CreatedAfter:    tenant.EarliestSyncAt,
	}
	if opts.ResourceType == "conversation" {
		// List responses only carry parts when the workspace enables them; missing parts yield no children.
		listing.Children = func(item gjson.Result) ([]connector.NormalizedEntity, error) {
			return conversationParts(item), nil
		}
	}
	return connector.RunPaginated(ctx, listing, opts)
}
