// Package strategy watches store availability and decides, per write and
// per read, which stores the coordinator should touch. Availability is
// published as an immutable snapshot replaced atomically; readers never
// take a lock.
package strategy

import (
	"sort"
	"time"

	"polystore-backend/internal/store"
)

// Kind names the write strategy the distributor operates under.
type Kind string

const (
	FullPolyglot       Kind = "full_polyglot"
	TriDatabase        Kind = "tri_database"
	DualDatabase       Kind = "dual_database"
	RelationalEnhanced Kind = "relational_enhanced"
	MonolithicFallback Kind = "monolithic_fallback"
)

// Snapshot is one immutable availability observation. Maps are never
// mutated after publication; treat the whole value as read-only.
type Snapshot struct {
	Version uint64
	TakenAt time.Time
	Healthy map[store.Kind]bool
	Latency map[store.Kind]time.Duration
}

// IsHealthy reports the snapshot's belief about one store kind. Unknown
// kinds are unhealthy.
func (s *Snapshot) IsHealthy(kind store.Kind) bool {
	if s == nil {
		return false
	}
	return s.Healthy[kind]
}

// HealthyKinds lists the reachable store kinds in stable order.
func (s *Snapshot) HealthyKinds() []store.Kind {
	if s == nil {
		return nil
	}
	out := make([]store.Kind, 0, len(s.Healthy))
	for kind, ok := range s.Healthy {
		if ok {
			out = append(out, kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Choose maps an availability snapshot onto the strategy ladder. Tiers are
// evaluated strongest first; an availability shape outside the ladder
// degrades to the embedded fallback.
func Choose(snap *Snapshot) Kind {
	r := snap.IsHealthy(store.Relational)
	d := snap.IsHealthy(store.Document)
	v := snap.IsHealthy(store.Vector)
	g := snap.IsHealthy(store.Graph)

	switch {
	case r && d && v && g:
		return FullPolyglot
	case r && d && v:
		return TriDatabase
	case r && d:
		return DualDatabase
	case r:
		return RelationalEnhanced
	default:
		return MonolithicFallback
	}
}
