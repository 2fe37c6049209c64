// Package catalog memoizes module metadata fetched from the remote
// SDK catalog service. A miss calls out to the catalog client and
// stores the result; every subsequent lookup of the same key returns a
// defensive copy tagged cached=true rather than aliasing the stored
// record, so a caller mutating its copy never corrupts the cache.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/kbase/job-runner-go/internal/jobmodel"
	"github.com/kbase/job-runner-go/internal/metrics"
)

// Client is the remote catalog RPC surface. It is out of scope for
// this module beyond this interface; production wiring points it at
// the SDK catalog's module_version.get_module_version call.
type Client interface {
	GetModuleVersion(ctx context.Context, module, version string) (*jobmodel.ModuleInfo, error)
	GetVolumeMounts(ctx context.Context, module, method, clientGroup string) ([]jobmodel.VolumeMount, error)
}

// moduleKey distinguishes a nil/empty version from an explicit one per
// spec: they are different cache keys, never collapsed.
type moduleKey struct {
	module       string
	versionSet   bool
	version      string
}

type mountKey struct {
	module      string
	method      string
	clientGroup string
}

// Cache is a process-lifetime memoization layer with no TTL. It
// permits concurrent reads but serializes insertions.
type Cache struct {
	client Client

	mu      sync.RWMutex
	modules map[moduleKey]*jobmodel.ModuleInfo
	mounts  map[mountKey][]jobmodel.VolumeMount
}

// New returns a Cache backed by the given catalog client.
func New(client Client) *Cache {
	return &Cache{
		client:  client,
		modules: make(map[moduleKey]*jobmodel.ModuleInfo),
		mounts:  make(map[mountKey][]jobmodel.VolumeMount),
	}
}

// GetModuleVersion returns cached module metadata, fetching from the
// remote catalog on first lookup of this (module, version) pair.
func (c *Cache) GetModuleVersion(ctx context.Context, module, version string) (*jobmodel.ModuleInfo, error) {
	key := moduleKey{module: module, versionSet: version != "", version: version}

	c.mu.RLock()
	cached, ok := c.modules[key]
	c.mu.RUnlock()
	if ok {
		metrics.RecordCatalogLookup(true)
		out := cached.Copy()
		out.Cached = true
		return out, nil
	}

	metrics.RecordCatalogLookup(false)
	info, err := c.client.GetModuleVersion(ctx, module, version)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup for %s@%s: %w", module, version, err)
	}

	stored := info.Copy()
	stored.Cached = false

	c.mu.Lock()
	// Another goroutine may have inserted this key while we were
	// fetching; the first insert wins so cached=false is reported
	// exactly once per key, matching the single-mutator expectation
	// the rest of the process relies on.
	if existing, ok := c.modules[key]; ok {
		c.mu.Unlock()
		out := existing.Copy()
		out.Cached = true
		return out, nil
	}
	c.modules[key] = stored
	c.mu.Unlock()

	logging.Log.WithFields(map[string]interface{}{
		"module":  module,
		"version": version,
	}).Debug("catalog cache miss, fetched module version")

	return stored.Copy(), nil
}

// GetVolumeMounts returns the cached client-group volume-mount policy
// for (module, method, client_group), fetching on first lookup.
func (c *Cache) GetVolumeMounts(ctx context.Context, module, method, clientGroup string) ([]jobmodel.VolumeMount, error) {
	key := mountKey{module: module, method: method, clientGroup: clientGroup}

	c.mu.RLock()
	cached, ok := c.mounts[key]
	c.mu.RUnlock()
	if ok {
		metrics.RecordCatalogLookup(true)
		out := make([]jobmodel.VolumeMount, len(cached))
		copy(out, cached)
		return out, nil
	}

	metrics.RecordCatalogLookup(false)
	mounts, err := c.client.GetVolumeMounts(ctx, module, method, clientGroup)
	if err != nil {
		return nil, fmt.Errorf("catalog volume mount lookup for %s.%s/%s: %w", module, method, clientGroup, err)
	}

	c.mu.Lock()
	if existing, ok := c.mounts[key]; ok {
		c.mu.Unlock()
		out := make([]jobmodel.VolumeMount, len(existing))
		copy(out, existing)
		return out, nil
	}
	c.mounts[key] = mounts
	c.mu.Unlock()

	out := make([]jobmodel.VolumeMount, len(mounts))
	copy(out, mounts)
	return out, nil
}
