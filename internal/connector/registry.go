package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultInstanceCacheSize = 32

// Factory builds a connector for one provider and declares what it can do.
type Factory struct {
	Provider     string
	Capabilities Capability
	New          func() (Connector, error)
}

// Instance is a connector whose declared capabilities have been checked against its implementation.
type Instance struct {
	Connector
	caps        Capability
	incremental IncrementalSyncer
	validator   ConfigValidator
	resources   map[string]Resource
}

func (i *Instance) Capabilities() Capability {
	return i.caps
}

func (i *Instance) Supports(c Capability) bool {
	return i.caps.Has(c)
}

func (i *Instance) Resource(name string) (Resource, bool) {
	r, ok := i.resources[name]
	return r, ok
}

// SyncableResources lists resources that get their own task, in declaration order.
func (i *Instance) SyncableResources() []string {
	out := make([]string, 0, len(i.resources))
	for _, r := range i.Connector.Resources() {
		if r.SyncedWithParent {
			continue
		}
		out = append(out, r.Name)
	}
	return out
}

// IncrementalSync runs the connector's incremental listing. Callers check CanIncremental first.
func (i *Instance) IncrementalSync(ctx context.Context, tenant TenantConfig, since time.Time, opts SyncOptions) SyncResult {
	if !i.CanIncremental() {
		res := SyncResult{Success: true}
		res.AddError(ErrCapabilityMissing)
		return res
	}
	return i.incremental.IncrementalSync(ctx, tenant, since, opts)
}

func (i *Instance) ValidateConfig(raw json.RawMessage) error {
	if i.validator == nil {
		return nil
	}
	return i.validator.ValidateConfig(raw)
}

func (i *Instance) CanIncremental() bool {
	return i.incremental != nil && i.caps.Has(CapIncrementalSync)
}

// Registry maps provider names to factories and caches built instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances *lru.Cache[string, *Instance]
}

func NewRegistry(cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = defaultInstanceCacheSize
	}
	cache, err := lru.New[string, *Instance](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Registry{
		factories: make(map[string]Factory),
		instances: cache,
	}
}

// Register adds or replaces a factory. Only the replaced provider's cached instance is dropped.
func (r *Registry) Register(f Factory) error {
	if f.Provider == "" || f.New == nil {
		return fmt.Errorf("register connector: provider and constructor are required")
	}
	if !f.Capabilities.Has(CapWebhook | CapSync) {
		return fmt.Errorf("register connector %s: webhook and sync capabilities are mandatory", f.Provider)
	}
	r.mu.Lock()
	r.factories[f.Provider] = f
	r.instances.Remove(f.Provider)
	r.mu.Unlock()
	return nil
}

func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(provider string) (*Instance, error) {
	if inst, ok := r.instances.Get(provider); ok {
		return inst, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances.Get(provider); ok {
		return inst, nil
	}
	f, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	inst, err := instantiate(f)
	if err != nil {
		return nil, err
	}
	r.instances.Add(provider, inst)
	return inst, nil
}

func instantiate(f Factory) (*Instance, error) {
	c, err := f.New()
	if err != nil {
		return nil, fmt.Errorf("build connector %s: %w", f.Provider, err)
	}
	inst := &Instance{
		Connector: c,
		caps:      f.Capabilities,
		resources: make(map[string]Resource),
	}
	for _, res := range c.Resources() {
		inst.resources[res.Name] = res
	}

	inc, hasInc := c.(IncrementalSyncer)
	if hasInc != f.Capabilities.Has(CapIncrementalSync) {
		return nil, fmt.Errorf("%w: %s declares %s", ErrCapabilityMismatch, f.Provider, f.Capabilities)
	}
	if hasInc {
		inst.incremental = inc
	}
	val, hasVal := c.(ConfigValidator)
	if hasVal != f.Capabilities.Has(CapConfigValidation) {
		return nil, fmt.Errorf("%w: %s declares %s", ErrCapabilityMismatch, f.Provider, f.Capabilities)
	}
	if hasVal {
		inst.validator = val
	}
	return inst, nil
}
