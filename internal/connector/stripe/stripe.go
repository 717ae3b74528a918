package stripe

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
	Provider = "stripe"

	signatureHeader    = "Stripe-Signature"
	signatureTolerance = 5 * time.Minute
	defaultPageSize    = 100
)

const configSchema = `{
  "type": "object",
  "required": ["webhook_secret"],
  "properties": {
    "api_key": {"type": "string", "minLength": 1},
    "webhook_secret": {"type": "string", "pattern": "^whsec_"},
    "api_version": {"type": "string"}
  }
}`

var resources = []connector.Resource{
	{Name: "customer", SupportsIncremental: true},
	{Name: "product", SupportsIncremental: true},
	{Name: "price", SupportsIncremental: true},
	{Name: "invoice", SupportsIncremental: true},
	{Name: "subscription", SupportsIncremental: true},
	{Name: "subscription_item", SyncedWithParent: true},
}

var listPaths = map[string]string{
	"customer":     "/v1/customers",
	"product":      "/v1/products",
	"price":        "/v1/prices",
	"invoice":      "/v1/invoices",
	"subscription": "/v1/subscriptions",
}

var kinds = connector.KindTable{
	"customer.created":              {Kind: connector.KindCreate, Resource: "customer"},
	"customer.updated":              {Kind: connector.KindUpdate, Resource: "customer"},
	"customer.deleted":              {Kind: connector.KindDelete, Resource: "customer"},
	"product.created":               {Kind: connector.KindCreate, Resource: "product"},
	"product.updated":               {Kind: connector.KindUpdate, Resource: "product"},
	"product.deleted":               {Kind: connector.KindDelete, Resource: "product"},
	"price.created":                 {Kind: connector.KindCreate, Resource: "price"},
	"price.updated":                 {Kind: connector.KindUpdate, Resource: "price"},
	"price.deleted":                 {Kind: connector.KindDelete, Resource: "price"},
	"invoice.created":               {Kind: connector.KindCreate, Resource: "invoice"},
	"invoice.updated":               {Kind: connector.KindUpdate, Resource: "invoice"},
	"invoice.finalized":             {Kind: connector.KindUpdate, Resource: "invoice"},
	"invoice.paid":                  {Kind: connector.KindUpdate, Resource: "invoice"},
	"invoice.payment_failed":        {Kind: connector.KindUpdate, Resource: "invoice"},
	"invoice.voided":                {Kind: connector.KindArchive, Resource: "invoice"},
	"invoice.deleted":               {Kind: connector.KindDelete, Resource: "invoice"},
	"customer.subscription.created": {Kind: connector.KindCreate, Resource: "subscription"},
	"customer.subscription.updated": {Kind: connector.KindUpdate, Resource: "subscription"},
	"customer.subscription.paused":  {Kind: connector.KindUpdate, Resource: "subscription"},
	"customer.subscription.resumed": {Kind: connector.KindUpdate, Resource: "subscription"},
	// Stripe keeps cancelled subscriptions readable, so the record is archived rather than removed.
	"customer.subscription.deleted": {Kind: connector.KindArchive, Resource: "subscription"},
}

var schema = connector.MustCompileConfigSchema(Provider, configSchema)

type Connector struct {
	client   *provider.Client
	pageSize int
	now      func() time.Time
}

func New(client *provider.Client) *Connector {
	return &Connector{client: client, pageSize: defaultPageSize, now: time.Now}
}

func Factory(client *provider.Client) connector.Factory {
	return connector.Factory{
		Provider:     Provider,
		Capabilities: connector.CapWebhook | connector.CapSync | connector.CapIncrementalSync | connector.CapConfigValidation,
		New: func() (connector.Connector, error) {
			if client == nil {
				return nil, errors.New("stripe: api client is required")
			}
			return New(client), nil
		},
	}
}

// WithClock replaces the clock used for signature tolerance.
func (c *Connector) WithClock(now func() time.Time) *Connector {
	c.now = now
	return c
}

func (c *Connector) Provider() string { return Provider }

func (c *Connector) Resources() []connector.Resource { return resources }

func (c *Connector) ValidateConfig(raw json.RawMessage) error {
	return schema.Validate(raw)
}

func (c *Connector) VerifyWebhook(req connector.WebhookRequest, tenant connector.TenantConfig) connector.WebhookVerification {
	header := req.Header.Get(signatureHeader)
	if header == "" {
		return connector.Reject("missing %s header", signatureHeader)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return connector.Reject("invalid signature timestamp")
	}
	age := c.now().Sub(time.Unix(unix, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return connector.Reject("signature timestamp outside tolerance")
	}

	msg := make([]byte, 0, len(ts)+1+len(req.Body))
	msg = append(msg, ts...)
	msg = append(msg, '.')
	msg = append(msg, req.Body...)
	return connector.VerifyHMAC(req, connector.HMACCheck{
		Algorithm:  connector.SHA256,
		Secret:     tenant.Setting("webhook_secret"),
		Message:    msg,
		Signatures: sigs,
	})
}

func (c *Connector) ParseWebhookEvent(payload connector.VerifiedPayload) (connector.ParsedWebhookEvent, error) {
	body := payload.Body()
	if !gjson.ValidBytes(body) {
		return connector.ParsedWebhookEvent{}, errors.New("stripe: payload is not valid json")
	}
	doc := gjson.ParseBytes(body)
	name := doc.Get("type").String()
	m := kinds.Lookup(name)
	obj := doc.Get("data.object")

	ev := connector.ParsedWebhookEvent{
		EventID:      doc.Get("id").String(),
		EventName:    name,
		Kind:         m.Kind,
		ResourceType: m.Resource,
		ExternalID:   obj.Get("id").String(),
		Data:         json.RawMessage(obj.Raw),
	}
	if created := doc.Get("created").Int(); created > 0 {
		t := time.Unix(created, 0).UTC()
		ev.OccurredAt = &t
	}
	ev.APIVersion = doc.Get("api_version").String()
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
	parent.APIVersion = ev.APIVersion
	out := []connector.NormalizedEntity{parent}
	if ev.ResourceType == "subscription" {
		children, err := subscriptionItems(gjson.ParseBytes(ev.Data))
		if err != nil {
			return nil, err
		}
		for i := range children {
			children[i].APIVersion = ev.APIVersion
		}
		out = append(out, children...)
	}
	return out, nil
}

func (c *Connector) NormalizeEntity(resourceType string, raw json.RawMessage) (connector.NormalizedEntity, error) {
	if _, ok := listPaths[resourceType]; !ok && resourceType != "subscription_item" {
		return connector.NormalizedEntity{}, fmt.Errorf("%w: stripe %s", connector.ErrUnsupportedResource, resourceType)
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return connector.NormalizedEntity{}, fmt.Errorf("stripe %s: missing id", resourceType)
	}
	return connector.NormalizedEntity{
		ID:            id,
		ExternalID:    id,
		CollectionKey: connector.CollectionKey(Provider, resourceType),
		RawPayload:    raw,
	}, nil
}

func subscriptionItems(sub gjson.Result) ([]connector.NormalizedEntity, error) {
	var out []connector.NormalizedEntity
	for _, item := range sub.Get("items.data").Array() {
		id := item.Get("id").String()
		if id == "" {
			return nil, fmt.Errorf("stripe subscription %s: item without id", sub.Get("id").String())
		}
		out = append(out, connector.NormalizedEntity{
			ID:            id,
			ExternalID:    id,
			CollectionKey: connector.CollectionKey(Provider, "subscription_item"),
			RawPayload:    json.RawMessage(item.Raw),
		})
	}
	return out, nil
}

func (c *Connector) FullSync(ctx context.Context, tenant connector.TenantConfig, opts connector.SyncOptions) connector.SyncResult {
	return c.sync(ctx, tenant, nil, opts)
}

func (c *Connector) IncrementalSync(ctx context.Context, tenant connector.TenantConfig, since time.Time, opts connector.SyncOptions) connector.SyncResult {
	return c.sync(ctx, tenant, &since, opts)
}

func (c *Connector) sync(ctx context.Context, tenant connector.TenantConfig, since *time.Time, opts connector.SyncOptions) connector.SyncResult {
	path, ok := listPaths[opts.ResourceType]
	if !ok {
		res := connector.SyncResult{Success: true}
		res.AddError(fmt.Errorf("%w: stripe %s", connector.ErrUnsupportedResource, opts.ResourceType))
		return res
	}
	limit := opts.PageSize
	if limit <= 0 || limit > 100 {
		limit = c.pageSize
	}
	header := provider.BearerHeader(tenant.Setting("api_key"))
	if v := tenant.Setting("api_version"); v != "" {
		header.Set("Stripe-Version", v)
	}

	listing := connector.Listing[gjson.Result]{
		AppKey:        tenant.AppKey,
		CollectionKey: connector.CollectionKey(Provider, opts.ResourceType),
		ListPage: func(ctx context.Context, cursor string) (connector.Page[gjson.Result], error) {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if cursor != "" {
				q.Set("starting_after", cursor)
			}
			if since != nil {
				q.Set("created[gte]", strconv.FormatInt(since.Unix(), 10))
			}
			if opts.ResourceType == "subscription" {
				q.Set("status", "all")
			}
			resp, err := c.client.Get(ctx, provider.Request{Path: path, Query: q, Header: header})
			if err != nil {
				return connector.Page[gjson.Result]{}, err
			}
			doc := gjson.ParseBytes(resp.Body)
			items := doc.Get("data").Array()
			page := connector.Page[gjson.Result]{Items: items, HasMore: doc.Get("has_more").Bool()}
			if len(items) > 0 {
				page.NextCursor = items[len(items)-1].Get("id").String()
			}
			return page, nil
		},
		GetID: func(item gjson.Result) string { return item.Get("id").String() },
		Normalize: func(item gjson.Result) (connector.NormalizedEntity, error) {
			return c.NormalizeEntity(opts.ResourceType, json.RawMessage(item.Raw))
		},
		DetectDeletions: since == nil,
		CreatedAfter:    tenant.EarliestSyncAt,
	}
	if opts.ResourceType == "subscription" {
		listing.Children = func(item gjson.Result) ([]connector.NormalizedEntity, error) {
			return subscriptionItems(item)
		}
		listing.ChildCollections = []string{connector.CollectionKey(Provider, "subscription_item")}
		// The list endpoint embeds the first page of items only.
		listing.ChildrenTruncated = func(item gjson.Result) bool {
			return item.Get("items.has_more").Bool()
		}
	}
	return connector.RunPaginated(ctx, listing, opts)
}
