// Package route implements the routing table (spec §3.1, §4.8), grounded on
// the teacher's modules/route/internal/rib/routes.go RoutesList: an
// unordered slice scanned in full on lookup, with Add deduplicating by
// (Dest, Genmask) and never sorting. Lookup's scan implements spec
// §3.1/§4.8's longest-mask/lowest-metric tie break instead of the teacher's
// BGP route preference.
package route

import (
	"net/netip"
	"slices"
	"sync"

	"github.com/vkernel/vkernel/internal/kerr"
	"github.com/vkernel/vkernel/internal/netstack/iface"
	"github.com/vkernel/vkernel/internal/netutil"
)

// Flags are Route flags (spec §3.1).
type Flags uint8

const (
	FlagUp Flags = 1 << iota
	FlagGateway
	FlagHost
	FlagDynamic
	FlagStatic
)

// MaxEntries bounds the route table (spec §5).
const MaxEntries = 1024

// Route is a routing table entry.
type Route struct {
	Dest    netip.Addr
	Genmask uint32 // contiguous mask; 0 with Dest=0.0.0.0 is the default route
	Gateway netip.Addr
	Iface   *iface.Interface
	Flags   Flags
	Metric  int
	UseCount uint64
}

// Table is the unordered route list (spec §4.8: "An unordered list of
// routes; lookup scans all").
type Table struct {
	mu     sync.Mutex
	routes []Route
}

// New returns an empty route table.
func New() *Table {
	return &Table{}
}

// Add inserts a route, updating in place if (Dest, Genmask) already exists
// (spec §4.8: "route_add deduplicates exact (destination, genmask)
// pairs").
func (t *Table) Add(r Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.routes {
		if t.routes[i].Dest == r.Dest && t.routes[i].Genmask == r.Genmask {
			t.routes[i] = r
			return nil
		}
	}

	if len(t.routes) >= MaxEntries {
		return kerr.New(kerr.ResourceExhausted, "route.Add")
	}
	t.routes = append(t.routes, r)
	return nil
}

// Remove deletes the route matching (dest, genmask), if any.
func (t *Table) Remove(dest netip.Addr, genmask uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.routes {
		if t.routes[i].Dest == dest && t.routes[i].Genmask == genmask {
			t.routes = slices.Delete(t.routes, i, i+1)
			return true
		}
	}
	return false
}

// Lookup returns the UP route with the longest matching genmask, breaking
// ties by lowest metric (spec invariant 5 / §4.8). Matching routes have
// their use count incremented.
func (t *Table) Lookup(dst netip.Addr) (*Route, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bestIdx := -1
	bestBits := -1
	for i := range t.routes {
		r := &t.routes[i]
		if r.Flags&FlagUp == 0 {
			continue
		}
		if !netutil.Contains(r.Dest, r.Genmask, dst) {
			continue
		}
		b := netutil.BitsFromMask(r.Genmask)
		if b > bestBits {
			bestIdx, bestBits = i, b
			continue
		}
		if b == bestBits && bestIdx >= 0 && r.Metric < t.routes[bestIdx].Metric {
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return nil, kerr.New(kerr.HostUnreachable, "route.Lookup")
	}
	t.routes[bestIdx].UseCount++
	return &t.routes[bestIdx], nil
}

// GCDynamic reclaims DYNAMIC routes with zero use count (spec §4.8,
// called periodically by the timer worker).
func (t *Table) GCDynamic() {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.routes[:0]
	for _, r := range t.routes {
		if r.Flags&FlagDynamic != 0 && r.UseCount == 0 {
			continue
		}
		kept = append(kept, r)
	}
	t.routes = kept
}

// All returns a snapshot of every route, for introspection.
func (t *Table) All() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
