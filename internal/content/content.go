// Package content defines the units exchanged between upstream processors and
// the distributor: processor results, their typed payload sections, and the
// content categories that drive routing.
package content

import (
	"strconv"
	"time"

	"polystore-backend/internal/errors"
)

// ============================================================================
// PROCESSOR KINDS
// ============================================================================

// ProcessorKind identifies the upstream processor family that produced a
// result. The kind determines which payload sections the distributor
// inspects, never which sections exist.
type ProcessorKind string

const (
	KindText       ProcessorKind = "text"
	KindImage      ProcessorKind = "image"
	KindGeospatial ProcessorKind = "geospatial"
	KindAudioVideo ProcessorKind = "audio_video"
	KindOfficeDoc  ProcessorKind = "office_doc"
	KindEmail      ProcessorKind = "email"
	KindPDF        ProcessorKind = "pdf"
	KindArchive    ProcessorKind = "archive"
	KindWeb        ProcessorKind = "web"
	KindGeneric    ProcessorKind = "generic"
)

// knownKinds is the closed set accepted at submission.
var knownKinds = map[ProcessorKind]struct{}{
	KindText: {}, KindImage: {}, KindGeospatial: {}, KindAudioVideo: {},
	KindOfficeDoc: {}, KindEmail: {}, KindPDF: {}, KindArchive: {},
	KindWeb: {}, KindGeneric: {},
}

// Valid reports whether k is a recognized processor kind.
func (k ProcessorKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ============================================================================
// CONTENT CATEGORIES AND PRIORITIES
// ============================================================================

// Category is a content kind in the distribution plan. Each category maps to
// an ordered target list in the routing table.
type Category string

const (
	CategoryMasterRegistry     Category = "master_registry"
	CategoryProcessorResults   Category = "processor_results"
	CategoryDocumentContent    Category = "document_content"
	CategoryVectorEmbeddings   Category = "vector_embeddings"
	CategoryRelationships      Category = "relationships"
	CategoryGeospatialData     Category = "geospatial_data"
	CategoryMetadataEnrichment Category = "metadata_enrichment"
	CategoryEventStore         Category = "event_store"
)

// Priority orders distribution targets and decides which result is
// authoritative on read. At least one critical target must succeed for a
// distribution to succeed.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the ordering weight of a priority, lower first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// ============================================================================
// PAYLOAD SECTIONS
// ============================================================================

// Payload carries the heterogeneous output of one processor run as tagged
// sections. A nil section is absent; the distributor keys its category
// detection off section presence.
type Payload struct {
	Text       *TextSection   `json:"text,omitempty"`
	Embedding  *VectorSection `json:"embedding,omitempty"`
	Relations  []RelationDecl `json:"relations,omitempty"`
	Geo        *GeoSection    `json:"geo,omitempty"`
	Enrichment map[string]any `json:"enrichment,omitempty"`

	// Extra holds processor-specific fields that pass through to storage
	// without coordinator interpretation.
	Extra map[string]any `json:"extra,omitempty"`
}

// TextSection is extracted document text plus any structured extract.
type TextSection struct {
	Content    string         `json:"content"`
	Structured map[string]any `json:"structured,omitempty"`
	Revision   string         `json:"revision,omitempty"`
}

// VectorSection is a dense embedding produced by the processor.
type VectorSection struct {
	Vector     []float32 `json:"vector"`
	Dimension  int       `json:"dimension"`
	Model      string    `json:"model,omitempty"`
	Collection string    `json:"collection,omitempty"`
}

// RelationDecl is a relation detected between two documents, validated
// against the relation registry before it reaches any adapter.
type RelationDecl struct {
	Type       string         `json:"type"`
	SourceID   string         `json:"sourceId"`
	TargetID   string         `json:"targetId"`
	Properties map[string]any `json:"properties,omitempty"`
}

// GeoSection is a spatial anchor extracted from the content.
type GeoSection struct {
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	CRS       string         `json:"crs,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Source describes the original file the processors consumed.
type Source struct {
	Path      string `json:"path,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	MIME      string `json:"mime,omitempty"`
}

// ProcessorError captures a non-fatal error reported by the processor itself.
type ProcessorError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ============================================================================
// PROCESSOR RESULT
// ============================================================================

// ProcessorResult is one unit of content submitted to the distributor. It is
// immutable once submitted: the distributor reads it, never mutates it.
type ProcessorResult struct {
	ProcessorID string          `json:"processorId"`
	Kind        ProcessorKind   `json:"kind"`
	DocumentID  string          `json:"documentId"`
	Source      Source          `json:"source"`
	Payload     Payload         `json:"payload"`
	Confidence  float64         `json:"confidence"`
	Duration    time.Duration   `json:"duration"`
	Error       *ProcessorError `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Validate checks submission-time invariants. It performs no I/O.
func (r *ProcessorResult) Validate() error {
	var issues []string
	if r.DocumentID == "" {
		issues = append(issues, "documentId: required")
	}
	if r.ProcessorID == "" {
		issues = append(issues, "processorId: required")
	}
	if !r.Kind.Valid() {
		issues = append(issues, "kind: unrecognized processor kind "+string(r.Kind))
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		issues = append(issues, "confidence: outside range [0,1]")
	}
	if emb := r.Payload.Embedding; emb != nil {
		if len(emb.Vector) == 0 {
			issues = append(issues, "embedding: vector is empty")
		} else if emb.Dimension != 0 && emb.Dimension != len(emb.Vector) {
			issues = append(issues, "embedding: declared dimension does not match vector length")
		}
	}
	for i, rel := range r.Payload.Relations {
		if rel.Type == "" || rel.SourceID == "" || rel.TargetID == "" {
			issues = append(issues, "relations: entry "+strconv.Itoa(i)+" missing type, sourceId, or targetId")
		}
	}
	if geo := r.Payload.Geo; geo != nil {
		if geo.Latitude < -90 || geo.Latitude > 90 {
			issues = append(issues, "geo: latitude outside [-90,90]")
		}
		if geo.Longitude < -180 || geo.Longitude > 180 {
			issues = append(issues, "geo: longitude outside [-180,180]")
		}
	}
	if len(issues) > 0 {
		return errors.BadRequest("processor result rejected").WithIssues(issues...)
	}
	return nil
}

// Categories derives the content categories this result contributes. Every
// result contributes the registry, the raw result, and the event feed; the
// remaining categories follow from which payload sections are present.
func (r *ProcessorResult) Categories() []Category {
	categories := []Category{
		CategoryMasterRegistry,
		CategoryProcessorResults,
		CategoryEventStore,
	}
	if r.Payload.Text != nil && r.Payload.Text.Content != "" {
		categories = append(categories, CategoryDocumentContent)
	}
	if r.Payload.Embedding != nil && len(r.Payload.Embedding.Vector) > 0 {
		categories = append(categories, CategoryVectorEmbeddings)
	}
	if len(r.Payload.Relations) > 0 {
		categories = append(categories, CategoryRelationships)
	}
	if r.Payload.Geo != nil {
		categories = append(categories, CategoryGeospatialData)
	}
	if len(r.Payload.Enrichment) > 0 {
		categories = append(categories, CategoryMetadataEnrichment)
	}
	return categories
}

// HasCategory reports whether the result contributes the given category.
func (r *ProcessorResult) HasCategory(c Category) bool {
	for _, have := range r.Categories() {
		if have == c {
			return true
		}
	}
	return false
}
