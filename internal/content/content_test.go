package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polystore-backend/internal/errors"
)

func validResult() *ProcessorResult {
	return &ProcessorResult{
		ProcessorID: "text-extractor-1",
		Kind:        KindText,
		DocumentID:  "d1",
		Source:      Source{Path: "/ingest/report.pdf", SizeBytes: 10240, MIME: "application/pdf"},
		Payload: Payload{
			Text: &TextSection{Content: "foo"},
		},
		Confidence: 0.92,
		Duration:   40 * time.Millisecond,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestValidate_AcceptsCompleteResult(t *testing.T) {
	assert.NoError(t, validResult().Validate())
}

func TestValidate_RejectsStructuralViolations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ProcessorResult)
		mention string
	}{
		{"missing document id", func(r *ProcessorResult) { r.DocumentID = "" }, "documentId"},
		{"missing processor id", func(r *ProcessorResult) { r.ProcessorID = "" }, "processorId"},
		{"unknown kind", func(r *ProcessorResult) { r.Kind = "hologram" }, "kind"},
		{"confidence above one", func(r *ProcessorResult) { r.Confidence = 1.2 }, "confidence"},
		{"empty embedding vector", func(r *ProcessorResult) {
			r.Payload.Embedding = &VectorSection{Vector: nil, Dimension: 3}
		}, "embedding"},
		{"dimension mismatch", func(r *ProcessorResult) {
			r.Payload.Embedding = &VectorSection{Vector: []float32{0.1, 0.2}, Dimension: 3}
		}, "dimension"},
		{"relation missing target", func(r *ProcessorResult) {
			r.Payload.Relations = []RelationDecl{{Type: "refers_to", SourceID: "d1"}}
		}, "relations"},
		{"latitude out of range", func(r *ProcessorResult) {
			r.Payload.Geo = &GeoSection{Latitude: 91, Longitude: 0}
		}, "latitude"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validResult()
			tt.mutate(r)

			err := r.Validate()

			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindBadRequest))
			assert.Contains(t, err.Error(), tt.mention)
		})
	}
}

func TestCategories_BaselineForEveryResult(t *testing.T) {
	r := validResult()
	r.Payload = Payload{}

	got := r.Categories()

	assert.ElementsMatch(t, []Category{
		CategoryMasterRegistry,
		CategoryProcessorResults,
		CategoryEventStore,
	}, got)
}

func TestCategories_FollowPayloadSections(t *testing.T) {
	r := validResult()
	r.Payload = Payload{
		Text:      &TextSection{Content: "foo"},
		Embedding: &VectorSection{Vector: []float32{0.1, 0.2, 0.3}, Dimension: 3},
		Relations: []RelationDecl{{Type: "refers_to", SourceID: "doc-a", TargetID: "doc-b"}},
		Geo:       &GeoSection{Latitude: 48.2, Longitude: 16.4},
		Enrichment: map[string]any{
			"language": "en",
		},
	}

	got := r.Categories()

	assert.ElementsMatch(t, []Category{
		CategoryMasterRegistry,
		CategoryProcessorResults,
		CategoryEventStore,
		CategoryDocumentContent,
		CategoryVectorEmbeddings,
		CategoryRelationships,
		CategoryGeospatialData,
		CategoryMetadataEnrichment,
	}, got)
	assert.True(t, r.HasCategory(CategoryVectorEmbeddings))
	assert.False(t, validResult().HasCategory(CategoryGeospatialData))
}

func TestPriority_RankOrdersCriticalFirst(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
}
