package mcpclient

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// CachedResource is one cache entry: the payload read from a server plus its
// freshness bookkeeping. Version increments on every refresh of the same URI.
type CachedResource struct {
	URI       string
	Server    string
	Data      []byte
	MimeType  string
	CachedAt  time.Time
	ExpiresAt time.Time
	Version   uint64
}

// Expired reports whether the entry's time-to-live has elapsed at now. The
// boundary instant itself is still fresh.
func (c CachedResource) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ResourceSubscriber receives resource update callbacks. Subscriber failures
// are isolated: a panicking subscriber never blocks the others or the cache
// refresh.
type ResourceSubscriber func(uri string, data []byte, mimeType string)

// patternSubscriber pairs a compiled glob with its callback so wildcard
// subscriptions like "db://players/*" match on delivery.
type patternSubscriber struct {
	pattern string
	g       glob.Glob
	cb      ResourceSubscriber
}

// ResourceRegistry namespaces discovered resources per server, caches read
// results with a TTL, and maintains subscriber lists notified on update.
// Like the tool registry, reads take the read lock and per-server
// registration batches are atomic under the write lock.
//
// Instances should be created using NewResourceRegistry.
type ResourceRegistry struct {
	logger     *slog.Logger
	defaultTTL time.Duration

	mu sync.RWMutex
	// byServer maps each server to its discovered resources keyed by URI.
	byServer map[string]map[string]Resource
	// owner maps each URI to the server providing it.
	owner map[string]string
	// cache holds read results keyed by URI.
	cache map[string]*CachedResource
	// subs holds exact-URI subscribers in registration order.
	subs map[string][]ResourceSubscriber
	// patternSubs holds wildcard subscribers in registration order.
	patternSubs []patternSubscriber
}

// ResourceRegistryOption represents the options for the ResourceRegistry.
type ResourceRegistryOption func(*ResourceRegistry)

// NewResourceRegistry creates an empty registry.
func NewResourceRegistry(options ...ResourceRegistryOption) *ResourceRegistry {
	r := &ResourceRegistry{
		logger:     slog.Default(),
		defaultTTL: 5 * time.Minute,
		byServer:   make(map[string]map[string]Resource),
		owner:      make(map[string]string),
		cache:      make(map[string]*CachedResource),
		subs:       make(map[string][]ResourceSubscriber),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// WithResourceRegistryLogger sets the logger used by the registry.
func WithResourceRegistryLogger(logger *slog.Logger) ResourceRegistryOption {
	return func(r *ResourceRegistry) {
		r.logger = logger
	}
}

// WithResourceRegistryDefaultTTL sets the cache TTL applied when SetCached is
// called with a non-positive ttl.
func WithResourceRegistryDefaultTTL(ttl time.Duration) ResourceRegistryOption {
	return func(r *ResourceRegistry) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

// RegisterResource stores one discovered resource for the server.
func (r *ResourceRegistry) RegisterResource(server string, res Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(server, res)
}

// RegisterServerResources registers a server's whole resource list as one
// atomic batch.
func (r *ResourceRegistry) RegisterServerResources(server string, resources []Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range resources {
		if err := r.registerLocked(server, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *ResourceRegistry) registerLocked(server string, res Resource) error {
	if server == "" || res.URI == "" {
		return fmt.Errorf("resource registration requires a server and a URI")
	}

	if r.byServer[server] == nil {
		r.byServer[server] = make(map[string]Resource)
	}
	r.byServer[server][res.URI] = res
	r.owner[res.URI] = server
	return nil
}

// UnregisterServer drops the server's resources, their cache entries, and
// their exact-URI subscriptions. Pattern subscribers survive: they are not
// tied to any one server.
func (r *ResourceRegistry) UnregisterServer(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uri := range r.byServer[server] {
		delete(r.owner, uri)
		delete(r.cache, uri)
		delete(r.subs, uri)
	}
	delete(r.byServer, server)
}

// ResolveServer returns the server providing the URI.
func (r *ResourceRegistry) ResolveServer(uri string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, ok := r.owner[uri]
	if !ok {
		return "", fmt.Errorf("resource %q: %w", uri, ErrResourceNotFound)
	}
	return server, nil
}

// List returns every discovered resource, sorted by URI.
func (r *ResourceRegistry) List() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Resource
	for _, resources := range r.byServer {
		for _, res := range resources {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// ListByServer returns the resources one server provides, sorted by URI.
func (r *ResourceRegistry) ListByServer(server string) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Resource, 0, len(r.byServer[server]))
	for _, res := range r.byServer[server] {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Count returns the number of discovered resources.
func (r *ResourceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}

// GetCached returns the cache entry for uri. A missing or expired entry is a
// miss, never a stale hit.
func (r *ResourceRegistry) GetCached(uri string) (CachedResource, bool) {
	r.mu.RLock()
	entry, ok := r.cache[uri]
	r.mu.RUnlock()

	if !ok || entry.Expired(time.Now()) {
		return CachedResource{}, false
	}
	return *entry, true
}

// SetCached stores or refreshes the cache entry for uri, bumping its version.
// A non-positive ttl falls back to the registry's default.
func (r *ResourceRegistry) SetCached(uri string, data []byte, mimeType string, ttl time.Duration) CachedResource {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var version uint64 = 1
	if prev, ok := r.cache[uri]; ok {
		version = prev.Version + 1
	}
	entry := &CachedResource{
		URI:       uri,
		Server:    r.owner[uri],
		Data:      data,
		MimeType:  mimeType,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
		Version:   version,
	}
	r.cache[uri] = entry
	return *entry
}

// InvalidateCached drops the cache entry for uri, if any.
func (r *ResourceRegistry) InvalidateCached(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, uri)
}

// CacheSize returns the number of cache entries, fresh or expired.
func (r *ResourceRegistry) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Subscribe adds a callback invoked whenever uri is updated. Delivery order
// follows registration order.
func (r *ResourceRegistry) Subscribe(uri string, cb ResourceSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[uri] = append(r.subs[uri], cb)
}

// SubscribePattern adds a callback invoked for every updated URI matching the
// glob pattern, with '/' as the separator, so "db://players/*" does not match
// nested paths.
func (r *ResourceRegistry) SubscribePattern(pattern string, cb ResourceSubscriber) error {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return fmt.Errorf("compile subscription pattern %q: %w", pattern, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.patternSubs = append(r.patternSubs, patternSubscriber{pattern: pattern, g: g, cb: cb})
	return nil
}

// SubscriberCount returns how many subscribers, exact and pattern, would be
// notified for uri.
func (r *ResourceRegistry) SubscriberCount(uri string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.subs[uri])
	for _, ps := range r.patternSubs {
		if ps.g.Match(uri) {
			n++
		}
	}
	return n
}

// NotifyUpdate refreshes the cache for uri and then invokes every matching
// subscriber, ttl falling back to the registry default. Each callback runs
// isolated: a panic is logged and the remaining subscribers still fire.
func (r *ResourceRegistry) NotifyUpdate(uri string, data []byte, mimeType string, ttl time.Duration) {
	// Cache first, per the update contract: even if every subscriber fails
	// the fresh data is visible to readers.
	r.SetCached(uri, data, mimeType, ttl)

	r.mu.RLock()
	cbs := append([]ResourceSubscriber(nil), r.subs[uri]...)
	for _, ps := range r.patternSubs {
		if ps.g.Match(uri) {
			cbs = append(cbs, ps.cb)
		}
	}
	r.mu.RUnlock()

	for _, cb := range cbs {
		r.invoke(uri, data, mimeType, cb)
	}
}

func (r *ResourceRegistry) invoke(uri string, data []byte, mimeType string, cb ResourceSubscriber) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("resource subscriber panicked",
				slog.String("uri", uri),
				slog.Any("panic", rec))
		}
	}()
	cb(uri, data, mimeType)
}
