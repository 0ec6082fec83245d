package relation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"polystore-backend/internal/errors"
	"polystore-backend/internal/store"
)

// Registry holds the relation definitions. It is populated once at
// construction and read-only afterwards, so lookups take no lock.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from the built-in definitions plus any
// extras. Duplicate names are rejected.
func NewRegistry(extra ...*Definition) (*Registry, error) {
	defs := make(map[string]*Definition)
	for _, def := range append(builtinDefinitions(), extra...) {
		if def.Name == "" {
			return nil, fmt.Errorf("relation definition with empty name")
		}
		if _, dup := defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate relation definition %q", def.Name)
		}
		if _, known := categoryDefaults[def.Category]; !known {
			return nil, fmt.Errorf("relation %q has unknown category %q", def.Name, def.Category)
		}
		defs[def.Name] = def
	}
	return &Registry{defs: defs}, nil
}

// MustNewRegistry builds the default registry and panics on error. Intended
// for process init.
func MustNewRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the definition for a relation type name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all defined relation type names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// INSTANCE CREATION
// ============================================================================

// NewInstance validates properties against the named definition, enriches
// them with the standard fields, and constructs the instance. createdAt
// should be the origin timestamp of the submitting result so that a repeated
// submission reproduces the same instance id.
func (r *Registry) NewInstance(name, sourceID, targetID string, props map[string]any, createdAt time.Time) (*Instance, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, errors.UnknownRelation(name)
	}
	if sourceID == "" || targetID == "" {
		return nil, errors.InvalidProperties(name, []string{"source and target ids are required"})
	}
	if !def.Reflexive && sourceID == targetID {
		return nil, errors.InvalidProperties(name, []string{
			fmt.Sprintf("relation %q is not reflexive; source equals target (%s)", name, sourceID),
		})
	}

	if issues := validateProperties(def, props); len(issues) > 0 {
		return nil, errors.InvalidProperties(name, issues)
	}

	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	createdAt = createdAt.UTC()

	enriched := make(map[string]any, len(props)+4)
	for k, v := range props {
		enriched[k] = v
	}
	enriched["created_at"] = createdAt.Format(time.RFC3339Nano)
	enriched["version"] = 1
	enriched["priority"] = string(def.Category.Priority())
	if _, has := enriched["weight"]; !has {
		enriched["weight"] = def.Category.Weight()
	}

	return &Instance{
		ID:         instanceID(name, sourceID, targetID, createdAt),
		Type:       name,
		Category:   def.Category,
		SourceID:   sourceID,
		TargetID:   targetID,
		Properties: enriched,
		CreatedAt:  createdAt,
	}, nil
}

// instanceID is a content hash of the triple plus creation time, so the same
// logical creation always yields the same id.
func instanceID(name, sourceID, targetID string, createdAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", name, sourceID, targetID, createdAt.UnixNano())
	return "rel_" + hex.EncodeToString(h.Sum(nil))[:32]
}

// validateProperties returns one issue per violated constraint.
func validateProperties(def *Definition, props map[string]any) []string {
	var issues []string

	keys := make([]string, 0, len(def.Properties))
	for key := range def.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec := def.Properties[key]
		value, present := props[key]
		if !present {
			if spec.Required {
				issues = append(issues, fmt.Sprintf("%s: required property missing", key))
			}
			continue
		}
		issues = append(issues, checkValue(key, spec, value)...)
	}

	for key := range props {
		if _, known := def.Properties[key]; !known {
			issues = append(issues, fmt.Sprintf("%s: property not permitted for relation %q", key, def.Name))
		}
	}
	sort.Strings(issues)
	return issues
}

// checkValue validates one present value against its spec.
func checkValue(key string, spec PropertySpec, value any) []string {
	var issues []string
	switch spec.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("%s: expected string, got %T", key, value)}
		}
		if len(spec.OneOf) > 0 {
			found := false
			for _, allowed := range spec.OneOf {
				if s == allowed {
					found = true
					break
				}
			}
			if !found {
				issues = append(issues, fmt.Sprintf("%s: %q not among permitted values %v", key, s, spec.OneOf))
			}
		}
	case TypeFloat, TypeInt:
		f, ok := asFloat(value)
		if !ok {
			return []string{fmt.Sprintf("%s: expected number, got %T", key, value)}
		}
		if spec.Type == TypeInt && f != math.Trunc(f) {
			issues = append(issues, fmt.Sprintf("%s: expected integer, got %g", key, f))
		}
		if spec.Min != nil && f < *spec.Min || spec.Max != nil && f > *spec.Max {
			issues = append(issues, fmt.Sprintf("%s: %g outside range %s", key, f, spec.describeRange()))
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return []string{fmt.Sprintf("%s: expected bool, got %T", key, value)}
		}
	case TypeTime:
		switch v := value.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				issues = append(issues, fmt.Sprintf("%s: not an RFC3339 timestamp", key))
			}
		default:
			return []string{fmt.Sprintf("%s: expected timestamp, got %T", key, value)}
		}
	}
	return issues
}

// asFloat widens any numeric value for range checking.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	}
	return 0, false
}

// ============================================================================
// BUILT-IN DEFINITIONS
// ============================================================================

// builtinDefinitions is the static registry loaded at init. Graph plus
// relational persistence is the norm; administrative bookkeeping relations
// stay relational-only.
func builtinDefinitions() []*Definition {
	confidence := PropertySpec{Type: TypeFloat, Required: true, Min: floatPtr(0), Max: floatPtr(1)}
	optWeight := PropertySpec{Type: TypeFloat, Min: floatPtr(0), Max: floatPtr(1)}

	return []*Definition{
		{
			Name:     "cites",
			Category: CategoryLegal,
			Properties: map[string]PropertySpec{
				"article":   {Type: TypeString},
				"paragraph": {Type: TypeString},
				"weight":    optWeight,
			},
			Inverse: "cited_by",
			Stores:  []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "cited_by",
			Category: CategoryLegal,
			Properties: map[string]PropertySpec{
				"article":   {Type: TypeString},
				"paragraph": {Type: TypeString},
				"weight":    optWeight,
			},
			Inverse: "cites",
			Stores:  []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "supersedes",
			Category: CategoryLegal,
			Properties: map[string]PropertySpec{
				"effective_date": {Type: TypeTime, Required: true},
				"weight":         optWeight,
			},
			Transitive: true,
			Stores:     []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "part_of",
			Category: CategoryStructural,
			Properties: map[string]PropertySpec{
				"position": {Type: TypeInt, Min: floatPtr(0)},
				"weight":   optWeight,
			},
			Transitive: true,
			Stores:     []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "refers_to",
			Category: CategoryStructural,
			Properties: map[string]PropertySpec{
				"context": {Type: TypeString},
				"weight":  optWeight,
			},
			Stores: []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "derived_from",
			Category: CategoryStructural,
			Properties: map[string]PropertySpec{
				"confidence": confidence,
				"method":     {Type: TypeString},
				"weight":     optWeight,
			},
			Stores: []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "similar_to",
			Category: CategorySemantic,
			Properties: map[string]PropertySpec{
				"confidence": confidence,
				"model":      {Type: TypeString},
				"weight":     optWeight,
			},
			Symmetric: true,
			Stores:    []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "same_topic",
			Category: CategorySemantic,
			Properties: map[string]PropertySpec{
				"topic":  {Type: TypeString, Required: true},
				"weight": optWeight,
			},
			Symmetric:  true,
			Transitive: true,
			Stores:     []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "duplicates",
			Category: CategoryQuality,
			Properties: map[string]PropertySpec{
				"confidence": confidence,
				"method": {
					Type:  TypeString,
					OneOf: []string{"hash", "fuzzy", "semantic"},
				},
			},
			Symmetric: true,
			Stores:    []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "contradicts",
			Category: CategoryQuality,
			Properties: map[string]PropertySpec{
				"confidence": confidence,
				"aspect":     {Type: TypeString},
			},
			Symmetric: true,
			Stores:    []store.Kind{store.Graph, store.Relational},
		},
		{
			Name:     "processed_by",
			Category: CategoryAdministrative,
			Properties: map[string]PropertySpec{
				"processor_id": {Type: TypeString, Required: true},
				"completed":    {Type: TypeBool},
			},
			Stores: []store.Kind{store.Relational},
		},
		{
			Name:     "archived_with",
			Category: CategoryAdministrative,
			Properties: map[string]PropertySpec{
				"archive_id": {Type: TypeString, Required: true},
			},
			Stores: []store.Kind{store.Relational},
		},
	}
}
