package domain

import (
	"fmt"
	"time"
)

// Asset keys recognized by the ledger.
const (
	AssetCharacterImage  = "character_image"
	AssetLocationImage   = "location_image"
	AssetSceneStartFrame = "scene_start_frame"
	AssetSceneEndFrame   = "scene_end_frame"
	AssetSceneVideo      = "scene_video"
	AssetRenderVideo     = "render_video"
	AssetStoryboard      = "storyboard"
	AssetScenePrompt     = "scene_prompt"
	AssetAudioAnalysis   = "audio_analysis"
)

// AssetType enumerates version payload kinds.
type AssetType string

const (
	AssetText  AssetType = "text"
	AssetImage AssetType = "image"
	AssetVideo AssetType = "video"
	AssetJSON  AssetType = "json"
)

// VersionMetadata is attached to each appended version. It is the only part
// of a version that may be mutated after the append (merge-only).
type VersionMetadata struct {
	JobID      string         `json:"jobId,omitempty"`
	Model      string         `json:"model,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Evaluation string         `json:"evaluation,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Merge overlays non-zero fields of patch onto m.
func (m *VersionMetadata) Merge(patch VersionMetadata) {
	if patch.JobID != "" {
		m.JobID = patch.JobID
	}
	if patch.Model != "" {
		m.Model = patch.Model
	}
	if patch.Prompt != "" {
		m.Prompt = patch.Prompt
	}
	if patch.Evaluation != "" {
		m.Evaluation = patch.Evaluation
	}
	if len(patch.Extra) > 0 {
		if m.Extra == nil {
			m.Extra = make(map[string]any, len(patch.Extra))
		}
		for k, v := range patch.Extra {
			m.Extra[k] = v
		}
	}
}

// AssetVersion is one immutable entry in an asset history. Data holds a URI
// for binary kinds; inline content for text/json.
type AssetVersion struct {
	Version   int             `json:"version"`
	Type      AssetType       `json:"type"`
	Data      string          `json:"data"`
	Metadata  VersionMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AssetHistory is the append-only ledger for one (entity, assetKey) pair.
// Invariants: Head >= Best >= 0; Best == 0 iff Versions is empty;
// Versions[i].Version == i+1.
type AssetHistory struct {
	Head     int            `json:"head"`
	Best     int            `json:"best"`
	Versions []AssetVersion `json:"versions"`
}

// AssetMap stores one history per asset key on an owning entity.
type AssetMap map[string]*AssetHistory

// History returns the history for key, allocating it on first use.
func (m *AssetMap) History(key string) *AssetHistory {
	if *m == nil {
		*m = make(AssetMap)
	}
	h, ok := (*m)[key]
	if !ok {
		h = &AssetHistory{}
		(*m)[key] = h
	}
	return h
}

// Append issues the next version. setBest forces the best pointer; an empty
// history always adopts its first version as best.
func (h *AssetHistory) Append(t AssetType, data string, meta VersionMetadata, setBest bool) AssetVersion {
	v := AssetVersion{
		Version:   h.Head + 1,
		Type:      t,
		Data:      data,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	h.Versions = append(h.Versions, v)
	h.Head = v.Version
	if setBest || h.Best == 0 {
		h.Best = v.Version
	}
	return v
}

// BestVersion returns the active version, or nil when none is set.
func (h *AssetHistory) BestVersion() *AssetVersion {
	if h == nil || h.Best == 0 || h.Best > len(h.Versions) {
		return nil
	}
	return &h.Versions[h.Best-1]
}

// Version returns the entry with the given version number.
func (h *AssetHistory) Version(n int) (*AssetVersion, error) {
	if h == nil || n < 1 || n > len(h.Versions) {
		return nil, fmt.Errorf("op=assets.version: version %d: %w", n, ErrNotFound)
	}
	return &h.Versions[n-1], nil
}

// SetBest moves the best pointer; the target version must exist.
func (h *AssetHistory) SetBest(n int) error {
	if _, err := h.Version(n); err != nil {
		return err
	}
	h.Best = n
	return nil
}
