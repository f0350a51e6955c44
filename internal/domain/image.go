package domain

import "time"

// RatingNone is the sentinel rating for images whose rating distribution is
// empty or that have never been tagged.
const RatingNone = "-"

// ImageID builds the stable identity of an image record. It never changes
// after creation: the same file in the same library always maps to it.
func ImageID(libraryID, relPath string) string {
	return libraryID + ":" + relPath
}

// TagScore is a label with its predicted probability.
type TagScore struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// AIMeta is the inference result block written by the tagging pipeline.
type AIMeta struct {
	ModelRepo       string             `json:"model_repo"`
	Caption         string             `json:"caption"`
	Rating          map[string]float64 `json:"rating"`
	GeneralTags     []TagScore         `json:"general_tags"`
	CharacterTags   []TagScore         `json:"character_tags"`
	GeneralThresh   float64            `json:"general_thresh"`
	CharacterThresh float64            `json:"character_thresh"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Image is a catalog record for one file under a library root.
// Created and refreshed by the scanner; tags and the AI block are mutated by
// the tagging pipeline; deleted by stale-record reconciliation or with the
// library.
type Image struct {
	ID        string `json:"id"`
	LibraryID string `json:"library_id"`
	Path      string `json:"path"`
	RelPath   string `json:"rel_path"`

	Size   int64     `json:"size"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	CTime  time.Time `json:"ctime"`
	MTime  time.Time `json:"mtime"`

	// Blob store references. ThumbKey is empty when the thumbnail upload
	// failed; the record is still valid.
	OriginalKey string `json:"original_key,omitempty"`
	ThumbKey    string `json:"thumb_key,omitempty"`
	BlurHash    string `json:"blur_hash,omitempty"`

	Tags      []string `json:"tags"`
	HasTags   bool     `json:"has_tags"`
	HasAITags bool     `json:"has_ai_tags"`
	Rating    string   `json:"rating,omitempty"`
	AI        *AIMeta  `json:"ai,omitempty"`
}
