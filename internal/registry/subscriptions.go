package registry

import (
	"sort"
	"time"

	"github.com/fedmcp/gateway/internal/gwerr"
)

// Subscription records one client's interest in update notifications for one
// resource URI on one backend.
type Subscription struct {
	ClientID      string
	Backend       string
	URI           string
	NamespacedURI string
	CreatedAt     time.Time
}

// SubscribeResult tells the caller what to do after recording a subscription.
type SubscribeResult struct {
	// Backend is the owning backend id resolved from the namespaced URI.
	Backend string
	// URI is the backend-native resource URI.
	URI string
	// Native reports whether the backend supports subscription forwarding.
	Native bool
	// First reports whether this is the first subscription to (backend, URI)
	// across all clients, meaning a native forward has not happened yet.
	First bool
}

// Release describes a (backend, URI) pair whose last subscriber just went
// away. When Native is set the caller should propagate an unsubscribe to the
// backend.
type Release struct {
	Backend string
	URI     string
	Native  bool
}

// Subscribe records a client's interest in a namespaced resource URI. It
// fails without mutating state when the URI resolves to no registered backend
// or when the client's subscription cap is reached.
func (r *Registry) Subscribe(clientID, namespacedURI string) (SubscribeResult, error) {
	backend, uri, err := r.SplitName(namespacedURI)
	if err != nil {
		return SubscribeResult{}, err
	}
	native := r.SupportsSubscribe(backend)

	r.subMu.Lock()
	defer r.subMu.Unlock()

	clientSubs := r.subs[clientID]
	if _, ok := clientSubs[namespacedURI]; !ok && len(clientSubs) >= r.maxSubs {
		return SubscribeResult{}, gwerr.LimitExceeded(clientID, r.maxSubs)
	}

	first := !r.hasSubscriberLocked(backend, uri, "")
	if clientSubs == nil {
		clientSubs = make(map[string]*Subscription)
		r.subs[clientID] = clientSubs
	}
	clientSubs[namespacedURI] = &Subscription{
		ClientID:      clientID,
		Backend:       backend,
		URI:           uri,
		NamespacedURI: namespacedURI,
		CreatedAt:     time.Now(),
	}
	return SubscribeResult{Backend: backend, URI: uri, Native: native, First: first}, nil
}

// Unsubscribe removes a client's subscription. The returned release is
// non-nil when the client was the last subscriber to the (backend, URI) pair.
func (r *Registry) Unsubscribe(clientID, namespacedURI string) (*Release, error) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	sub, ok := r.subs[clientID][namespacedURI]
	if !ok {
		return nil, gwerr.NotFound("client %q holds no subscription to %q", clientID, namespacedURI)
	}
	delete(r.subs[clientID], namespacedURI)
	if len(r.subs[clientID]) == 0 {
		delete(r.subs, clientID)
	}

	if r.hasSubscriberLocked(sub.Backend, sub.URI, "") {
		return nil, nil
	}
	return &Release{Backend: sub.Backend, URI: sub.URI, Native: r.SupportsSubscribe(sub.Backend)}, nil
}

// ResourceUpdated returns the ids of clients subscribed to exactly
// (backend, uri), sorted. An empty result is a normal outcome.
func (r *Registry) ResourceUpdated(backend, uri string) []string {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	var clients []string
	for clientID, subs := range r.subs {
		for _, sub := range subs {
			if sub.Backend == backend && sub.URI == uri {
				clients = append(clients, clientID)
				break
			}
		}
	}
	sort.Strings(clients)
	return clients
}

// ClientDisconnected removes every subscription held by the client and
// returns the (backend, URI) pairs that now have no subscriber at all.
func (r *Registry) ClientDisconnected(clientID string) []Release {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	subs := r.subs[clientID]
	delete(r.subs, clientID)

	var releases []Release
	for _, sub := range subs {
		if r.hasSubscriberLocked(sub.Backend, sub.URI, "") {
			continue
		}
		releases = append(releases, Release{
			Backend: sub.Backend,
			URI:     sub.URI,
			Native:  r.SupportsSubscribe(sub.Backend),
		})
	}
	return releases
}

// SubscriptionCount reports how many subscriptions the client currently holds.
func (r *Registry) SubscriptionCount(clientID string) int {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return len(r.subs[clientID])
}

// dropBackendSubscriptions removes every subscription whose backend is id.
func (r *Registry) dropBackendSubscriptions(id string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for clientID, subs := range r.subs {
		for nsURI, sub := range subs {
			if sub.Backend == id {
				delete(subs, nsURI)
			}
		}
		if len(subs) == 0 {
			delete(r.subs, clientID)
		}
	}
}

// hasSubscriberLocked reports whether any client other than exclude holds a
// subscription to (backend, uri). Caller holds subMu.
func (r *Registry) hasSubscriberLocked(backend, uri, exclude string) bool {
	for clientID, subs := range r.subs {
		if clientID == exclude {
			continue
		}
		for _, sub := range subs {
			if sub.Backend == backend && sub.URI == uri {
				return true
			}
		}
	}
	return false
}
