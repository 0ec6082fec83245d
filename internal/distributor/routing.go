package distributor

import (
	"fmt"

	"polystore-backend/internal/content"
	"polystore-backend/internal/store"
	"polystore-backend/internal/strategy"
)

// ============================================================================
// ROUTING TABLE
// ============================================================================

// Target is one place a content category may be stored: a store kind plus
// the location inside it (table, database, collection, or edge space).
// Affinity in [0,1] documents how well the target fits the category's access
// pattern; the table's ordering is the operative preference.
type Target struct {
	Store    store.Kind
	Location string
	Priority content.Priority
	Affinity float64

	// Fallbacks are tried in order when the primary's store kind is
	// unreachable. A fallback may carry its own chain.
	Fallbacks []Target
}

// Table maps each content category to its ordered distribution targets.
// The table is declarative: routing decisions come from here and from the
// availability snapshot, never from per-kind branches in code.
type Table map[content.Category][]Target

// DefaultTable is the shipped routing table. Critical categories degrade
// all the way to the embedded store so a registry write always has a home;
// vector embeddings have no fallback because nothing else can serve
// similarity search.
func DefaultTable() Table {
	return Table{
		content.CategoryMasterRegistry: {{
			Store: store.Relational, Location: "master_registry",
			Priority: content.PriorityCritical, Affinity: 1.0,
			Fallbacks: []Target{
				{Store: store.Embedded, Location: "master_registry", Priority: content.PriorityCritical, Affinity: 0.4},
			},
		}},
		content.CategoryProcessorResults: {{
			Store: store.Document, Location: "processor_results",
			Priority: content.PriorityCritical, Affinity: 0.9,
			Fallbacks: []Target{
				{Store: store.Relational, Location: "processor_results", Priority: content.PriorityCritical, Affinity: 0.6},
				{Store: store.Embedded, Location: "processor_results", Priority: content.PriorityCritical, Affinity: 0.3},
			},
		}},
		content.CategoryDocumentContent: {{
			Store: store.Document, Location: "documents",
			Priority: content.PriorityHigh, Affinity: 1.0,
			Fallbacks: []Target{
				{Store: store.Relational, Location: "document_content", Priority: content.PriorityHigh, Affinity: 0.5},
				{Store: store.Embedded, Location: "document_content", Priority: content.PriorityHigh, Affinity: 0.2},
			},
		}},
		content.CategoryVectorEmbeddings: {{
			Store: store.Vector, Location: "embeddings",
			Priority: content.PriorityHigh, Affinity: 1.0,
		}},
		content.CategoryRelationships: {{
			Store: store.Graph, Location: "edges",
			Priority: content.PriorityHigh, Affinity: 1.0,
			Fallbacks: []Target{
				{Store: store.Relational, Location: "relationships", Priority: content.PriorityHigh, Affinity: 0.7},
				{Store: store.Embedded, Location: "relationships", Priority: content.PriorityHigh, Affinity: 0.2},
			},
		}},
		content.CategoryGeospatialData: {{
			Store: store.Relational, Location: "geospatial_data",
			Priority: content.PriorityMedium, Affinity: 0.8,
			Fallbacks: []Target{
				{Store: store.Document, Location: "geospatial_data", Priority: content.PriorityMedium, Affinity: 0.5},
				{Store: store.Embedded, Location: "geospatial_data", Priority: content.PriorityMedium, Affinity: 0.2},
			},
		}},
		content.CategoryMetadataEnrichment: {{
			Store: store.Document, Location: "metadata_enrichment",
			Priority: content.PriorityLow, Affinity: 0.8,
			Fallbacks: []Target{
				{Store: store.Relational, Location: "metadata_enrichment", Priority: content.PriorityLow, Affinity: 0.5},
			},
		}},
		content.CategoryEventStore: {{
			Store: store.Relational, Location: "event_store",
			Priority: content.PriorityHigh, Affinity: 0.9,
			Fallbacks: []Target{
				{Store: store.Embedded, Location: "event_store", Priority: content.PriorityHigh, Affinity: 0.3},
			},
		}},
	}
}

// Validate checks the table's structural invariants: every category has at
// least one target, every target names a store and a location, and critical
// categories carry a non-empty fallback chain.
func (t Table) Validate() error {
	for category, targets := range t {
		if len(targets) == 0 {
			return fmt.Errorf("routing table: category %q has no targets", category)
		}
		critical := false
		hasFallback := false
		for _, target := range targets {
			if err := checkTarget(category, target); err != nil {
				return err
			}
			if target.Priority == content.PriorityCritical {
				critical = true
			}
			if len(target.Fallbacks) > 0 {
				hasFallback = true
			}
		}
		if critical && !hasFallback {
			return fmt.Errorf("routing table: critical category %q has no fallback chain", category)
		}
	}
	return nil
}

func checkTarget(category content.Category, target Target) error {
	if target.Store == "" {
		return fmt.Errorf("routing table: category %q has a target without a store kind", category)
	}
	if target.Location == "" {
		return fmt.Errorf("routing table: category %q target %s has no location", category, target.Store)
	}
	if target.Affinity < 0 || target.Affinity > 1 {
		return fmt.Errorf("routing table: category %q target %s affinity %g outside [0,1]",
			category, target.Store, target.Affinity)
	}
	for _, fallback := range target.Fallbacks {
		if err := checkTarget(category, fallback); err != nil {
			return err
		}
	}
	return nil
}

// Resolve picks the target that will serve a category under the given
// availability snapshot: the first primary whose store kind is reachable,
// else the first reachable target walking each primary's fallback chain in
// order. ok is false when the whole chain is down.
func (t Table) Resolve(category content.Category, snap *strategy.Snapshot) (Target, bool) {
	targets := t[category]
	for _, target := range targets {
		if snap.IsHealthy(target.Store) {
			return target, true
		}
	}
	for _, target := range targets {
		for _, fallback := range target.Fallbacks {
			if resolved, ok := resolveChain(fallback, snap); ok {
				return resolved, true
			}
		}
	}
	return Target{}, false
}

func resolveChain(target Target, snap *strategy.Snapshot) (Target, bool) {
	if snap.IsHealthy(target.Store) {
		return target, true
	}
	for _, fallback := range target.Fallbacks {
		if resolved, ok := resolveChain(fallback, snap); ok {
			return resolved, true
		}
	}
	return Target{}, false
}
