// Package relation owns the typed-edge model: the immutable registry of
// relation definitions and the validation rules instances must pass before
// any adapter is called. Persistence belongs to the store adapters; this
// package never performs I/O.
package relation

import (
	"fmt"
	"time"

	"polystore-backend/internal/content"
	"polystore-backend/internal/store"
)

// Category groups relation types by their semantic role.
type Category string

const (
	CategoryLegal          Category = "legal"
	CategoryStructural     Category = "structural"
	CategorySemantic       Category = "semantic"
	CategoryQuality        Category = "quality"
	CategoryAdministrative Category = "administrative"
)

// categoryDefaults carries the per-category priority and performance weight
// enriched into every instance of that category.
var categoryDefaults = map[Category]struct {
	priority content.Priority
	weight   float64
}{
	CategoryLegal:          {content.PriorityHigh, 0.9},
	CategoryStructural:     {content.PriorityHigh, 0.8},
	CategorySemantic:       {content.PriorityMedium, 0.6},
	CategoryQuality:        {content.PriorityMedium, 0.5},
	CategoryAdministrative: {content.PriorityLow, 0.3},
}

// Priority returns the default distribution priority for the category.
func (c Category) Priority() content.Priority {
	return categoryDefaults[c].priority
}

// Weight returns the default performance weight for the category.
func (c Category) Weight() float64 {
	return categoryDefaults[c].weight
}

// PropertyType enumerates the value types a relation property may carry.
type PropertyType string

const (
	TypeString PropertyType = "string"
	TypeFloat  PropertyType = "float"
	TypeInt    PropertyType = "int"
	TypeBool   PropertyType = "bool"
	TypeTime   PropertyType = "time"
)

// PropertySpec constrains one property key of a relation type.
type PropertySpec struct {
	Type     PropertyType
	Required bool
	// Min and Max bound numeric values inclusively when set.
	Min *float64
	Max *float64
	// OneOf restricts string values to an enumeration when non-empty.
	OneOf []string
}

// Definition is the type-level description of a relation. Definitions are
// immutable once the registry is built.
type Definition struct {
	Name     string
	Category Category

	// SourceKinds and TargetKinds restrict the entity kinds an instance may
	// connect. Empty means unrestricted.
	SourceKinds []string
	TargetKinds []string

	Properties map[string]PropertySpec

	// Inverse names the definition describing the reversed direction, empty
	// when the relation has no meaningful inverse.
	Inverse string

	Transitive bool
	Symmetric  bool
	Reflexive  bool

	// Stores lists the store kinds that must persist instances of this
	// definition.
	Stores []store.Kind
}

// Instance is a validated, enriched relation between two documents.
type Instance struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Category   Category       `json:"category"`
	SourceID   string         `json:"sourceId"`
	TargetID   string         `json:"targetId"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Record renders the instance as a store record for the given collection.
func (i *Instance) Record(collection string) *store.Record {
	fields := map[string]any{
		"type":      i.Type,
		"category":  string(i.Category),
		"source_id": i.SourceID,
		"target_id": i.TargetID,
	}
	for k, v := range i.Properties {
		fields[k] = v
	}
	return &store.Record{Collection: collection, ID: i.ID, Fields: fields}
}

// EdgeSpec renders the instance as a graph edge.
func (i *Instance) EdgeSpec() store.EdgeSpec {
	props := map[string]any{
		"relation_id": i.ID,
		"category":    string(i.Category),
	}
	for k, v := range i.Properties {
		props[k] = v
	}
	return store.EdgeSpec{
		FromID:     i.SourceID,
		ToID:       i.TargetID,
		Type:       i.Type,
		Properties: props,
	}
}

func floatPtr(v float64) *float64 { return &v }

func (s PropertySpec) describeRange() string {
	switch {
	case s.Min != nil && s.Max != nil:
		return fmt.Sprintf("[%g,%g]", *s.Min, *s.Max)
	case s.Min != nil:
		return fmt.Sprintf("[%g,+inf)", *s.Min)
	case s.Max != nil:
		return fmt.Sprintf("(-inf,%g]", *s.Max)
	}
	return ""
}
