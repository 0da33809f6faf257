package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fedmcp/gateway/internal/gwerr"
	"github.com/fedmcp/gateway/internal/transport"
)

// CatalogSource is the slice of a backend connection the registry needs to
// pull a catalog. *transport.Transport satisfies it; tests substitute fakes.
type CatalogSource interface {
	Capabilities() transport.Capabilities
	ListToolsPage(ctx context.Context, cursor mcp.Cursor) ([]mcp.Tool, mcp.Cursor, error)
	ListPromptsPage(ctx context.Context, cursor mcp.Cursor) ([]mcp.Prompt, mcp.Cursor, error)
	ListResourcesPage(ctx context.Context, cursor mcp.Cursor) ([]mcp.Resource, mcp.Cursor, error)
	ListResourceTemplatesPage(ctx context.Context, cursor mcp.Cursor) ([]mcp.ResourceTemplate, mcp.Cursor, error)
}

// ChangeEvent reports that the aggregated catalog changed for one kind
// because of one backend. By the time a handler observes the event the
// derived caches have already been invalidated.
type ChangeEvent struct {
	Backend string
	Kind    Kind
}

// Registry is the single source of truth for the capabilities currently
// exposed across all backends. Catalog syncs are serialized per backend;
// reads and syncs for different backends proceed independently.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[Kind]map[string]*Entry
	caps    map[string]transport.Capabilities
	compact map[Kind][]CompactCard

	syncMu sync.Mutex
	syncs  map[string]*sync.Mutex

	handlerMu sync.Mutex
	onChange  []func(ChangeEvent)

	subMu   sync.Mutex
	subs    map[string]map[string]*Subscription
	maxSubs int
}

// New builds an empty registry. maxSubsPerClient bounds how many resource
// subscriptions a single client may hold.
func New(maxSubsPerClient int, logger *slog.Logger) *Registry {
	entries := make(map[Kind]map[string]*Entry, len(Kinds))
	for _, k := range Kinds {
		entries[k] = make(map[string]*Entry)
	}
	return &Registry{
		logger:  logger,
		entries: entries,
		caps:    make(map[string]transport.Capabilities),
		compact: make(map[Kind][]CompactCard),
		syncs:   make(map[string]*sync.Mutex),
		subs:    make(map[string]map[string]*Subscription),
		maxSubs: maxSubsPerClient,
	}
}

// OnChange registers a handler for catalog change events. Handlers run on the
// goroutine that performed the sync, after caches are invalidated.
func (r *Registry) OnChange(fn func(ChangeEvent)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// AddBackend pulls the backend's full catalog and publishes it under the
// backend's namespace. Re-running it for a known backend replaces that
// backend's entries wholesale.
func (r *Registry) AddBackend(ctx context.Context, id string, src CatalogSource) error {
	return r.sync(ctx, id, src)
}

// SyncBackend re-runs the catalog sync for one backend. Used when the backend
// notifies that its own catalog changed.
func (r *Registry) SyncBackend(ctx context.Context, id string, src CatalogSource) error {
	return r.sync(ctx, id, src)
}

func (r *Registry) sync(ctx context.Context, id string, src CatalogSource) error {
	lock := r.backendLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Stage the whole catalog first. Any page failure aborts the sync and
	// leaves the previously published catalog for this backend untouched.
	caps := src.Capabilities()
	staged, err := fetchCatalog(ctx, id, src, caps)
	if err != nil {
		r.logger.Error("catalog sync failed", "backend", id, "error", err)
		return gwerr.SyncFailed(id, err)
	}

	r.mu.Lock()
	changed := make([]Kind, 0, len(Kinds))
	for _, k := range Kinds {
		removed := r.dropBackendEntriesLocked(k, id)
		added := 0
		for _, e := range staged[k] {
			r.entries[k][e.NamespacedID] = e
			added++
		}
		if removed > 0 || added > 0 {
			delete(r.compact, k)
			changed = append(changed, k)
		}
	}
	r.caps[id] = caps
	r.mu.Unlock()

	r.logger.Info("catalog synced",
		"backend", id,
		"tools", len(staged[KindTool]),
		"prompts", len(staged[KindPrompt]),
		"resources", len(staged[KindResource]),
		"resource_templates", len(staged[KindResourceTemplate]))

	for _, k := range changed {
		r.emit(ChangeEvent{Backend: id, Kind: k})
	}
	return nil
}

// RemoveBackend drops every entry, capability record, and subscription owned
// by the backend and emits change events for the kinds that had entries.
func (r *Registry) RemoveBackend(id string) {
	lock := r.backendLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	changed := make([]Kind, 0, len(Kinds))
	for _, k := range Kinds {
		if r.dropBackendEntriesLocked(k, id) > 0 {
			delete(r.compact, k)
			changed = append(changed, k)
		}
	}
	delete(r.caps, id)
	r.mu.Unlock()

	r.dropBackendSubscriptions(id)

	for _, k := range changed {
		r.emit(ChangeEvent{Backend: id, Kind: k})
	}
}

// ListCompact returns the compact cards for one kind, sorted by namespaced
// name. A non-empty filter keeps only cards whose name or description
// contains it, case-insensitively.
func (r *Registry) ListCompact(kind Kind, filter string) []CompactCard {
	r.mu.RLock()
	cards, ok := r.compact[kind]
	r.mu.RUnlock()
	if !ok {
		cards = r.rebuildCompact(kind)
	}

	if filter == "" {
		out := make([]CompactCard, len(cards))
		copy(out, cards)
		return out
	}
	needle := strings.ToLower(filter)
	out := make([]CompactCard, 0, len(cards))
	for _, c := range cards {
		if strings.Contains(strings.ToLower(c.Name), needle) ||
			strings.Contains(strings.ToLower(c.Description), needle) {
			out = append(out, c)
		}
	}
	return out
}

// rebuildCompact fills the compact cache for one kind under the write lock,
// re-checking it first since a concurrent reader may have rebuilt it already.
func (r *Registry) rebuildCompact(kind Kind) []CompactCard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cards, ok := r.compact[kind]; ok {
		return cards
	}
	cards := make([]CompactCard, 0, len(r.entries[kind]))
	for _, e := range r.entries[kind] {
		cards = append(cards, e.Compact())
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Name < cards[j].Name })
	r.compact[kind] = cards
	return cards
}

// GetFull returns the complete entry for a namespaced identifier, searching
// the kinds in their fixed order.
func (r *Registry) GetFull(namespacedID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range Kinds {
		if e, ok := r.entries[k][namespacedID]; ok {
			return e, nil
		}
	}
	return nil, gwerr.NotFound("no catalog entry named %q", namespacedID)
}

// Entries returns every entry of one kind, sorted by namespaced id.
func (r *Registry) Entries(kind Kind) []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries[kind]))
	for _, e := range r.entries[kind] {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NamespacedID < out[j].NamespacedID })
	return out
}

// BackendIDs returns the ids of backends with a synced catalog, sorted.
func (r *Registry) BackendIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SupportsSubscribe reports whether the backend declared native resource
// subscription support during its handshake.
func (r *Registry) SupportsSubscribe(backend string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[backend].ResourceSubscribe
}

// SplitName resolves a namespaced identifier into its owning backend id and
// the backend-native remainder. Backend ids may contain the separator, so the
// longest registered id that prefixes the name wins.
func (r *Registry) SplitName(namespaced string) (backend, original string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := ""
	for id := range r.caps {
		if len(id) > len(best) && strings.HasPrefix(namespaced, id+Separator) {
			best = id
		}
	}
	if best == "" {
		return "", "", gwerr.NotFound("no registered backend owns %q", namespaced)
	}
	return best, namespaced[len(best)+len(Separator):], nil
}

func (r *Registry) backendLock(id string) *sync.Mutex {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	lock, ok := r.syncs[id]
	if !ok {
		lock = &sync.Mutex{}
		r.syncs[id] = lock
	}
	return lock
}

// dropBackendEntriesLocked removes all entries of one kind owned by the
// backend and reports how many were removed. Caller holds r.mu.
func (r *Registry) dropBackendEntriesLocked(kind Kind, id string) int {
	removed := 0
	for nsID, e := range r.entries[kind] {
		if e.Backend == id {
			delete(r.entries[kind], nsID)
			removed++
		}
	}
	return removed
}

func (r *Registry) emit(ev ChangeEvent) {
	r.handlerMu.Lock()
	handlers := make([]func(ChangeEvent), len(r.onChange))
	copy(handlers, r.onChange)
	r.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// fetchCatalog pulls every page of every kind the backend's capabilities
// advertise, returning the staged entries with client-facing names already
// namespaced.
func fetchCatalog(ctx context.Context, id string, src CatalogSource, caps transport.Capabilities) (map[Kind][]*Entry, error) {
	now := time.Now()
	staged := make(map[Kind][]*Entry, len(Kinds))

	if caps.Tools {
		for cursor := mcp.Cursor(""); ; {
			tools, next, err := src.ListToolsPage(ctx, cursor)
			if err != nil {
				return nil, err
			}
			for i := range tools {
				t := tools[i]
				original := t.Name
				nsID := NamespacedName(id, original)
				t.Name = nsID
				staged[KindTool] = append(staged[KindTool], &Entry{
					NamespacedID: nsID,
					OriginalName: original,
					Backend:      id,
					Kind:         KindTool,
					SyncedAt:     now,
					Tool:         &t,
				})
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}

	if caps.Prompts {
		for cursor := mcp.Cursor(""); ; {
			prompts, next, err := src.ListPromptsPage(ctx, cursor)
			if err != nil {
				return nil, err
			}
			for i := range prompts {
				p := prompts[i]
				original := p.Name
				nsID := NamespacedName(id, original)
				p.Name = nsID
				staged[KindPrompt] = append(staged[KindPrompt], &Entry{
					NamespacedID: nsID,
					OriginalName: original,
					Backend:      id,
					Kind:         KindPrompt,
					SyncedAt:     now,
					Prompt:       &p,
				})
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}

	if caps.Resources {
		for cursor := mcp.Cursor(""); ; {
			resources, next, err := src.ListResourcesPage(ctx, cursor)
			if err != nil {
				return nil, err
			}
			for i := range resources {
				res := resources[i]
				original := res.URI
				nsID := NamespacedName(id, original)
				res.URI = nsID
				res.Name = NamespacedName(id, res.Name)
				staged[KindResource] = append(staged[KindResource], &Entry{
					NamespacedID: nsID,
					OriginalName: original,
					Backend:      id,
					Kind:         KindResource,
					SyncedAt:     now,
					Resource:     &res,
				})
			}
			if next == "" {
				break
			}
			cursor = next
		}

		for cursor := mcp.Cursor(""); ; {
			templates, next, err := src.ListResourceTemplatesPage(ctx, cursor)
			if err != nil {
				return nil, err
			}
			for i := range templates {
				t := templates[i]
				nsID := NamespacedName(id, t.Name)
				nsTemplate := mcp.NewResourceTemplate(NamespacedName(id, t.URITemplate.Raw()), nsID)
				nsTemplate.Description = t.Description
				nsTemplate.MIMEType = t.MIMEType
				nsTemplate.Annotations = t.Annotations
				staged[KindResourceTemplate] = append(staged[KindResourceTemplate], &Entry{
					NamespacedID:     nsID,
					OriginalName:     t.Name,
					Backend:          id,
					Kind:             KindResourceTemplate,
					SyncedAt:         now,
					ResourceTemplate: &nsTemplate,
				})
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}

	return staged, nil
}
