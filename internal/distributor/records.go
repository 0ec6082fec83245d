package distributor

import (
	"time"

	"polystore-backend/internal/content"
	"polystore-backend/internal/store"
)

// Record ids are derived from the submission, never generated, so a repeated
// distribution of the same result writes the same ids and stays idempotent.

func resultID(res *content.ProcessorResult) string {
	return res.DocumentID + ":" + res.ProcessorID
}

func eventID(res *content.ProcessorResult) string {
	return "evt:" + res.DocumentID + ":" + res.ProcessorID
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// masterRecord is the registry row anchoring a distribution. The cross_refs
// field is filled in after the transaction completes, once stored ids exist.
func masterRecord(res *content.ProcessorResult, location string) *store.Record {
	categories := res.Categories()
	names := make([]string, len(categories))
	for i, category := range categories {
		names[i] = string(category)
	}
	fields := map[string]any{
		"document_id":    res.DocumentID,
		"processor_id":   res.ProcessorID,
		"processor_kind": string(res.Kind),
		"confidence":     res.Confidence,
		"categories":     names,
		"created_at":     stamp(res.CreatedAt),
	}
	if res.Source.Path != "" {
		fields["source_path"] = res.Source.Path
	}
	if res.Source.MIME != "" {
		fields["source_mime"] = res.Source.MIME
	}
	if res.Source.SizeBytes > 0 {
		fields["source_size_bytes"] = res.Source.SizeBytes
	}
	return &store.Record{Collection: location, ID: res.DocumentID, Fields: fields}
}

// processorResultRecord preserves the raw submission for reprocessing and
// audit.
func processorResultRecord(res *content.ProcessorResult, location string) *store.Record {
	fields := map[string]any{
		"document_id":    res.DocumentID,
		"processor_id":   res.ProcessorID,
		"processor_kind": string(res.Kind),
		"confidence":     res.Confidence,
		"duration_ms":    res.Duration.Milliseconds(),
		"created_at":     stamp(res.CreatedAt),
	}
	if res.Error != nil {
		fields["processor_error"] = res.Error.Message
		if res.Error.Code != "" {
			fields["processor_error_code"] = res.Error.Code
		}
	}
	if len(res.Payload.Extra) > 0 {
		fields["extra"] = res.Payload.Extra
	}
	return &store.Record{Collection: location, ID: resultID(res), Fields: fields}
}

func contentRecord(res *content.ProcessorResult, location string) *store.Record {
	text := res.Payload.Text
	fields := map[string]any{
		"document_id": res.DocumentID,
		"content":     text.Content,
	}
	if len(text.Structured) > 0 {
		fields["structured"] = text.Structured
	}
	if text.Revision != "" {
		fields["content_revision"] = text.Revision
	}
	return &store.Record{Collection: location, ID: res.DocumentID, Fields: fields}
}

func embeddingRecord(res *content.ProcessorResult, location string) *store.Record {
	emb := res.Payload.Embedding
	dimension := emb.Dimension
	if dimension == 0 {
		dimension = len(emb.Vector)
	}
	fields := map[string]any{
		"document_id": res.DocumentID,
		"vector":      emb.Vector,
		"dimension":   dimension,
	}
	if emb.Model != "" {
		fields["model"] = emb.Model
	}
	return &store.Record{Collection: location, ID: res.DocumentID, Fields: fields}
}

func geoRecord(res *content.ProcessorResult, location string) *store.Record {
	geo := res.Payload.Geo
	fields := map[string]any{
		"document_id": res.DocumentID,
		"latitude":    geo.Latitude,
		"longitude":   geo.Longitude,
	}
	if geo.CRS != "" {
		fields["crs"] = geo.CRS
	}
	if len(geo.Extra) > 0 {
		fields["extra"] = geo.Extra
	}
	return &store.Record{Collection: location, ID: res.DocumentID, Fields: fields}
}

func enrichmentRecord(res *content.ProcessorResult, location string) *store.Record {
	return &store.Record{
		Collection: location,
		ID:         res.DocumentID,
		Fields: map[string]any{
			"document_id": res.DocumentID,
			"enrichment":  res.Payload.Enrichment,
		},
	}
}

// eventRecord is the append-only distribution event. Its id is derived so a
// repeated distribution overwrites its own event instead of appending a
// second one.
func eventRecord(res *content.ProcessorResult, location string) *store.Record {
	return &store.Record{
		Collection: location,
		ID:         eventID(res),
		Fields: map[string]any{
			"event_type":     "content_distributed",
			"document_id":    res.DocumentID,
			"processor_id":   res.ProcessorID,
			"processor_kind": string(res.Kind),
			"occurred_at":    stamp(res.CreatedAt),
		},
	}
}
