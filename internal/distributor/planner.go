package distributor

import (
	"sort"

	"polystore-backend/internal/content"
	"polystore-backend/internal/errors"
	"polystore-backend/internal/relation"
	"polystore-backend/internal/saga"
	"polystore-backend/internal/store"
	"polystore-backend/internal/strategy"
)

// ============================================================================
// PLAN
// ============================================================================

// PlannedStep is one category's resolved write: the target it will land on
// and the records or edges to persist there.
type PlannedStep struct {
	Category content.Category
	Target   Target
	Records  []*store.Record
	Edges    []store.EdgeSpec

	// ConflictOK marks idempotent writes whose ids derive from the
	// submission; a duplicate-key outcome means the row is already on file.
	ConflictOK bool
}

// Plan is the full distribution blueprint for one processor result: the
// master-registry anchor first, then the remaining categories in priority
// order. A plan performs no I/O until rendered into a transaction and
// executed.
type Plan struct {
	DocumentID string
	Strategy   strategy.Kind
	Steps      []PlannedStep
}

// Master returns the anchor step. The planner always emits it first.
func (p *Plan) Master() PlannedStep { return p.Steps[0] }

// Transaction renders the plan as a saga DAG: every step depends on the
// master-registry anchor, and nothing else, so the fan-out runs in parallel
// once the registry row exists.
func (p *Plan) Transaction() *saga.Transaction {
	tx := saga.NewTransaction("distribute").
		WithMetadata("document_id", p.DocumentID).
		WithMetadata("strategy", string(p.Strategy))

	anchor := string(content.CategoryMasterRegistry)
	for _, planned := range p.Steps {
		params := map[string]any{
			"location": planned.Target.Location,
			"priority": string(planned.Target.Priority),
			"affinity": planned.Target.Affinity,
		}
		if planned.ConflictOK {
			params["conflict_ok"] = true
		}
		step := &saga.Step{
			ID:        string(planned.Category),
			StoreKind: planned.Target.Store,
			Op: saga.Operation{
				Name:     string(planned.Category),
				Category: string(planned.Category),
				Records:  planned.Records,
				Edges:    planned.Edges,
				Params:   params,
			},
		}
		if step.ID != anchor {
			step.DependsOn = []string{anchor}
		}
		tx.AddStep(step)
	}
	return tx
}

// ============================================================================
// PLANNER
// ============================================================================

// Planner turns a processor result plus an availability snapshot into a
// plan. It owns all pre-flight validation: a result that fails planning has
// touched no adapter.
type Planner struct {
	table     Table
	relations *relation.Registry
}

// NewPlanner validates the routing table once at construction. A nil
// registry gets the built-in relation definitions.
func NewPlanner(table Table, relations *relation.Registry) (*Planner, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if relations == nil {
		relations = relation.MustNewRegistry()
	}
	return &Planner{table: table, relations: relations}, nil
}

// Plan validates the result, resolves every category it contributes against
// the routing table, and builds the per-category writes. Every category
// present in the payload must resolve to a reachable target; an exhausted
// fallback chain fails the whole plan with unrecoverable_unavailability.
func (p *Planner) Plan(res *content.ProcessorResult, snap *strategy.Snapshot, active strategy.Kind) (*Plan, error) {
	if res == nil {
		return nil, errors.BadRequest("nil processor result")
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	instances, err := p.relationInstances(res)
	if err != nil {
		return nil, err
	}

	categories := res.Categories()
	resolved := make(map[content.Category]Target, len(categories))
	for _, category := range categories {
		target, ok := p.table.Resolve(category, snap)
		if !ok {
			return nil, errors.Unrecoverable(string(category))
		}
		resolved[category] = target
	}

	plan := &Plan{DocumentID: res.DocumentID, Strategy: active}
	for _, category := range orderCategories(categories, resolved) {
		step, err := buildStep(res, category, resolved[category], instances)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

// relationInstances validates every declared relation against the registry
// before any store is involved.
func (p *Planner) relationInstances(res *content.ProcessorResult) ([]*relation.Instance, error) {
	if len(res.Payload.Relations) == 0 {
		return nil, nil
	}
	instances := make([]*relation.Instance, 0, len(res.Payload.Relations))
	for _, decl := range res.Payload.Relations {
		instance, err := p.relations.NewInstance(decl.Type, decl.SourceID, decl.TargetID, decl.Properties, res.CreatedAt)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// orderCategories puts the master registry first, then ascending priority
// rank, ties broken by name so plans are deterministic.
func orderCategories(categories []content.Category, resolved map[content.Category]Target) []content.Category {
	out := make([]content.Category, len(categories))
	copy(out, categories)
	sort.SliceStable(out, func(i, j int) bool {
		mi := out[i] == content.CategoryMasterRegistry
		mj := out[j] == content.CategoryMasterRegistry
		if mi != mj {
			return mi
		}
		ri, rj := resolved[out[i]].Priority.Rank(), resolved[out[j]].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// buildStep renders one category onto its resolved target. Relationships
// become edges on a graph target and join-table rows anywhere else.
func buildStep(res *content.ProcessorResult, category content.Category, target Target, instances []*relation.Instance) (PlannedStep, error) {
	step := PlannedStep{Category: category, Target: target}
	switch category {
	case content.CategoryMasterRegistry:
		step.Records = []*store.Record{masterRecord(res, target.Location)}
		step.ConflictOK = true
	case content.CategoryProcessorResults:
		step.Records = []*store.Record{processorResultRecord(res, target.Location)}
	case content.CategoryDocumentContent:
		step.Records = []*store.Record{contentRecord(res, target.Location)}
	case content.CategoryVectorEmbeddings:
		step.Records = []*store.Record{embeddingRecord(res, target.Location)}
	case content.CategoryRelationships:
		if target.Store == store.Graph {
			for _, instance := range instances {
				step.Edges = append(step.Edges, instance.EdgeSpec())
			}
		} else {
			for _, instance := range instances {
				step.Records = append(step.Records, instance.Record(target.Location))
			}
		}
	case content.CategoryGeospatialData:
		step.Records = []*store.Record{geoRecord(res, target.Location)}
	case content.CategoryMetadataEnrichment:
		step.Records = []*store.Record{enrichmentRecord(res, target.Location)}
	case content.CategoryEventStore:
		step.Records = []*store.Record{eventRecord(res, target.Location)}
		step.ConflictOK = true
	default:
		return step, errors.Internal("no builder for category "+string(category), nil)
	}
	return step, nil
}
