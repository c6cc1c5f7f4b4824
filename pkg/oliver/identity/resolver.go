// resolver.go runs the resolution chain and the opportunistic learning
// paths. Each directory heuristic is a pure function so ambiguity rules can
// be tested in isolation; ambiguity always produces no result, never a
// guess.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/hubautomacao/oliver/pkg/oliver/gateway"
)

// DirectoryFetcher provides the transport's live contact directory.
// Satisfied by *gateway.Client.
type DirectoryFetcher interface {
	FetchContacts(ctx context.Context) ([]gateway.ContactEntry, error)
}

// SecondaryStore is the optional cross-process mapping store.
// Satisfied by *RedisStore.
type SecondaryStore interface {
	Lookup(ctx context.Context, scope, handle string) (*Mapping, error)
	Save(ctx context.Context, m Mapping) error
}

// Resolver maps unstable handles to deliverable addresses.
type Resolver struct {
	store     *Store
	secondary SecondaryStore
	directory DirectoryFetcher
	logger    *slog.Logger

	// cache is unbounded for the process lifetime: handle cardinality
	// follows contact volume, not message volume.
	cache map[string]string
	mu    sync.RWMutex
}

// NewResolver builds a resolver. secondary may be nil when no shared store
// is configured; directory may be nil in offline tests.
func NewResolver(store *Store, secondary SecondaryStore, directory DirectoryFetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		secondary: secondary,
		directory: directory,
		logger:    logger.With("component", "resolver"),
		cache:     make(map[string]string),
	}
}

func cacheKey(scope, handle string) string { return scope + ":" + handle }

// ResolveDestination maps handle to a deliverable address. Stable addresses
// pass through untouched. On exhaustion the raw handle comes back with
// resolved=false; callers treat that as best effort, not failure.
func (r *Resolver) ResolveDestination(ctx context.Context, scope, handle string) (string, bool) {
	if gateway.IsStableAddress(handle) {
		return handle, true
	}

	// 1. In-process cache.
	r.mu.RLock()
	addr, ok := r.cache[cacheKey(scope, handle)]
	r.mu.RUnlock()
	if ok {
		return addr, true
	}

	// 2. Persisted mapping table.
	if m, err := r.store.Lookup(ctx, scope, handle); err == nil {
		r.remember(scope, handle, m.Address)
		return m.Address, true
	} else if !errors.Is(err, ErrNotFound) {
		r.logger.Warn("mapping lookup failed", "handle", handle, "error", err)
	}

	// 3. Shared store, backfilling the primary on a hit.
	if r.secondary != nil {
		if m, err := r.secondary.Lookup(ctx, scope, handle); err == nil {
			if _, err := r.store.Save(ctx, *m); err != nil {
				r.logger.Warn("backfill from shared store failed", "handle", handle, "error", err)
			}
			r.remember(scope, handle, m.Address)
			return m.Address, true
		} else if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("shared store lookup failed", "handle", handle, "error", err)
		}
	}

	// 4. Live directory heuristics.
	if r.directory != nil {
		directory, err := r.directory.FetchContacts(ctx)
		if err != nil {
			r.logger.Warn("directory fetch failed", "handle", handle, "error", err)
		} else if addr, method, ok := resolveFromDirectory(handle, "", directory); ok {
			r.persist(ctx, Mapping{
				Scope:   scope,
				Handle:  handle,
				Address: addr,
				Method:  method,
			})
			return addr, true
		}
	}

	r.logger.Warn("handle resolution exhausted", "scope", scope, "handle", handle)
	return handle, false
}

// LearnFromContactEvent harvests mappings from gateway-pushed contact
// syncs. An entry that carries both a linked handle and a stable address is
// a resolution with method contactEvent, higher confidence than heuristics.
func (r *Resolver) LearnFromContactEvent(ctx context.Context, scope string, ev gateway.ContactSyncEvent) []Mapping {
	var learned []Mapping
	for _, c := range ev.Contacts {
		handle, address := linkedPair(c.Jid, c.ID)
		if handle == "" {
			continue
		}
		m := Mapping{
			Scope:       scope,
			Handle:      handle,
			Address:     address,
			DisplayName: c.PushName,
			Method:      MethodContactEvent,
		}
		r.persist(ctx, m)
		learned = append(learned, m)
	}
	return learned
}

// LearnFromSentMessage inspects an outgoing echo addressed to a linked
// handle and tries to resolve it against the directory, persisting with the
// lower-confidence sentAvatar / sentDisplayName methods.
func (r *Resolver) LearnFromSentMessage(ctx context.Context, scope string, ev gateway.MessageEvent) {
	if !ev.Key.FromMe || !gateway.IsLinkedHandle(ev.Key.RemoteJid) || r.directory == nil {
		return
	}
	handle := ev.Key.RemoteJid

	if r.known(ctx, scope, handle) {
		return
	}

	directory, err := r.directory.FetchContacts(ctx)
	if err != nil {
		r.logger.Debug("directory fetch for sent-message learning failed", "error", err)
		return
	}

	addr, method, ok := resolveFromDirectory(handle, ev.PushName, directory)
	if !ok {
		return
	}
	switch method {
	case MethodAvatar:
		method = MethodSentAvatar
	case MethodDisplayName:
		method = MethodSentDisplayName
	}
	r.persist(ctx, Mapping{
		Scope:       scope,
		Handle:      handle,
		Address:     addr,
		DisplayName: ev.PushName,
		Method:      method,
	})
}

func (r *Resolver) known(ctx context.Context, scope, handle string) bool {
	r.mu.RLock()
	_, ok := r.cache[cacheKey(scope, handle)]
	r.mu.RUnlock()
	if ok {
		return true
	}
	_, err := r.store.Lookup(ctx, scope, handle)
	return err == nil
}

func (r *Resolver) remember(scope, handle, address string) {
	r.mu.Lock()
	r.cache[cacheKey(scope, handle)] = address
	r.mu.Unlock()
}

// persist writes to every store that accepts the mapping and refreshes the
// cache.
func (r *Resolver) persist(ctx context.Context, m Mapping) {
	written, err := r.store.Save(ctx, m)
	if err != nil {
		r.logger.Warn("persist mapping failed", "handle", m.Handle, "error", err)
		return
	}
	if !written {
		return
	}
	r.remember(m.Scope, m.Handle, m.Address)
	if r.secondary != nil {
		if err := r.secondary.Save(ctx, m); err != nil {
			r.logger.Warn("persist mapping to shared store failed", "handle", m.Handle, "error", err)
		}
	}
}

// ---------- pure strategies ----------

// resolveFromDirectory runs the ranked heuristics over a directory
// snapshot: avatar match first, display-name match second.
func resolveFromDirectory(handle, pushName string, directory []gateway.ContactEntry) (string, string, bool) {
	self, hasSelf := findEntry(handle, directory)

	if hasSelf {
		if addr, ok := matchByAvatar(self.ProfilePicURL, directory); ok {
			return addr, MethodAvatar, true
		}
	}

	name := pushName
	if name == "" && hasSelf {
		name = self.PushName
	}
	if addr, ok := matchByDisplayName(name, directory); ok {
		return addr, MethodDisplayName, true
	}
	return "", "", false
}

func findEntry(handle string, directory []gateway.ContactEntry) (gateway.ContactEntry, bool) {
	for _, c := range directory {
		if c.Handle() == handle {
			return c, true
		}
	}
	return gateway.ContactEntry{}, false
}

// matchByAvatar compares profile picture URLs with their query strings
// stripped. Only entries that already carry a stable address are
// candidates; the first exact match wins.
func matchByAvatar(avatarURL string, directory []gateway.ContactEntry) (string, bool) {
	target := stripQuery(avatarURL)
	if target == "" {
		return "", false
	}
	for _, c := range directory {
		if !gateway.IsStableAddress(c.Handle()) {
			continue
		}
		if stripQuery(c.ProfilePicURL) == target {
			return c.Handle(), true
		}
	}
	return "", false
}

// matchByDisplayName accepts a candidate only when exactly one
// stable-address entry carries the display name. Two or more candidates is
// ambiguity and yields nothing.
func matchByDisplayName(name string, directory []gateway.ContactEntry) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	var match string
	count := 0
	for _, c := range directory {
		if !gateway.IsStableAddress(c.Handle()) {
			continue
		}
		if strings.TrimSpace(c.PushName) == name {
			match = c.Handle()
			count++
		}
	}
	if count == 1 {
		return match, true
	}
	return "", false
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// linkedPair examines the two identifier slots of a contact entry and
// returns (linked handle, stable address) when the entry carries both.
func linkedPair(a, b string) (string, string) {
	switch {
	case gateway.IsLinkedHandle(a) && gateway.IsStableAddress(b):
		return a, b
	case gateway.IsLinkedHandle(b) && gateway.IsStableAddress(a):
		return b, a
	}
	return "", ""
}
