// Package subscription implements the subscription registry: the set of
// MACs that must be actively probed, together with the polling interval
// currently requested for each and a per-MAC transient force-update flag.
// Written by the dispatcher (on subscribe/stop/disconnect), read by the
// scanner (each poll iteration).
package subscription

import (
	"strings"
	"sync"
)

// Subscription is a single subscription-registry entry.
type Subscription struct {
	MAC       string
	IntervalS int
	Force     bool
}

// Registry is a concurrency-safe MAC -> Subscription map, shaped like
// presence.Table: exclusive access for every operation, no reference
// counting kept across sessions.
type Registry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewRegistry returns an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Set adds mac with the given interval, or updates the interval of an
// existing entry. Never touches Force.
func (r *Registry) Set(mac string, intervalS int) {
	mac = strings.ToLower(mac)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[mac]; ok {
		s.IntervalS = intervalS
		return
	}
	r.subs[mac] = &Subscription{MAC: mac, IntervalS: intervalS}
}

// Unset removes mac from the registry unconditionally.
func (r *Registry) Unset(mac string) {
	mac = strings.ToLower(mac)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, mac)
}

// MarkForce sets the force flag for mac, if it is still subscribed. A MAC
// that left the registry between the scanner's edge detection and this
// call is silently ignored — there is nothing left to force an update for.
func (r *Registry) MarkForce(mac string) {
	mac = strings.ToLower(mac)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[mac]; ok {
		s.Force = true
	}
}

// DrainForce returns the set of MACs currently marked force and clears
// the flag on all of them in the same critical section, so no forced MAC
// can be observed twice by callers that drain sequentially.
func (r *Registry) DrainForce() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var forced []string
	for mac, s := range r.subs {
		if s.Force {
			forced = append(forced, mac)
			s.Force = false
		}
	}
	return forced
}

// Snapshot returns a point-in-time copy of every subscription.
func (r *Registry) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, *s)
	}
	return out
}

// Has reports whether mac is currently subscribed.
func (r *Registry) Has(mac string) bool {
	mac = strings.ToLower(mac)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[mac]
	return ok
}

// Len returns the number of subscribed MACs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
