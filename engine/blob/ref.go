package blob

import (
	"github.com/go-viper/mapstructure/v2"
)

// Ref is a content-addressed handle to a stored object. Workflow state and
// gather outputs carry these handles instead of raw payloads so the durable
// substrate's message-size limits are never hit.
type Ref struct {
	Key    string `json:"key"    mapstructure:"key"`
	Digest string `json:"digest" mapstructure:"digest"`
	Size   int    `json:"size"   mapstructure:"size"`
}

// Manifest describes a chunked collection: the chunk payloads contain only
// item refs, never item content.
type Manifest struct {
	Count     int   `json:"count"      mapstructure:"count"`
	ChunkSize int   `json:"chunk_size" mapstructure:"chunk_size"`
	Chunks    []Ref `json:"chunks"     mapstructure:"chunks"`
}

const (
	refMarker      = "__blob_ref__"
	manifestMarker = "__blob_manifest__"
)

// AsHandle wraps the ref in the marker envelope that travels through
// workflow state and action arguments.
func (r *Ref) AsHandle() map[string]any {
	return map[string]any{refMarker: map[string]any{
		"key":    r.Key,
		"digest": r.Digest,
		"size":   r.Size,
	}}
}

// AsHandle wraps the manifest in its marker envelope.
func (m *Manifest) AsHandle() map[string]any {
	chunks := make([]any, len(m.Chunks))
	for i := range m.Chunks {
		chunks[i] = map[string]any{
			"key":    m.Chunks[i].Key,
			"digest": m.Chunks[i].Digest,
			"size":   m.Chunks[i].Size,
		}
	}
	return map[string]any{manifestMarker: map[string]any{
		"count":      m.Count,
		"chunk_size": m.ChunkSize,
		"chunks":     chunks,
	}}
}

// RefFromHandle detects and decodes a ref envelope.
func RefFromHandle(v any) (*Ref, bool) {
	body, ok := handleBody(v, refMarker)
	if !ok {
		return nil, false
	}
	ref := &Ref{}
	if err := mapstructure.Decode(body, ref); err != nil || ref.Key == "" {
		return nil, false
	}
	return ref, true
}

// ManifestFromHandle detects and decodes a manifest envelope.
func ManifestFromHandle(v any) (*Manifest, bool) {
	body, ok := handleBody(v, manifestMarker)
	if !ok {
		return nil, false
	}
	manifest := &Manifest{}
	if err := mapstructure.Decode(body, manifest); err != nil || manifest.Count < 0 {
		return nil, false
	}
	if manifest.Count > 0 && (len(manifest.Chunks) == 0 || manifest.ChunkSize <= 0) {
		return nil, false
	}
	return manifest, true
}

func handleBody(v any, marker string) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, false
	}
	body, ok := m[marker]
	return body, ok
}
