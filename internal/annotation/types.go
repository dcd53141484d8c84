// Package annotation defines the data model shared by the state store, the
// queue builder and the coordinator: RLE masks, part and image annotations,
// the two-collection annotation state and quality updates.
package annotation

import (
	"encoding/json"
)

// RLE is a COCO-compatible run-length encoded mask.
type RLE struct {
	// Counts is the compressed counts string
	Counts string `json:"counts"`

	// Size is [height, width]
	Size [2]int `json:"size"`

	// MaskPath optionally points at the mask file the RLE was derived from
	MaskPath string `json:"mask_path,omitempty"`
}

// PartAnnotation is the annotation of a single part label on an image.
type PartAnnotation struct {
	Name          string `json:"name"`
	RLEs          []RLE  `json:"rles"`
	WasChecked    bool   `json:"was_checked"`
	IsPoorQuality bool   `json:"is_poor_quality"`
	IsCorrect     bool   `json:"is_correct"`
	IsComplete    bool   `json:"is_complete"`
}

// NewPartAnnotation returns a part annotation with default quality flags.
func NewPartAnnotation(name string, rles []RLE) PartAnnotation {
	if rles == nil {
		rles = []RLE{}
	}
	return PartAnnotation{
		Name:       name,
		RLEs:       rles,
		IsCorrect:  true,
		IsComplete: true,
	}
}

// partAnnotationJSON mirrors PartAnnotation with optional flags so that
// missing values can fall back to defaults.
type partAnnotationJSON struct {
	Name          string `json:"name"`
	RLEs          []RLE  `json:"rles"`
	WasChecked    *bool  `json:"was_checked"`
	IsPoorQuality *bool  `json:"is_poor_quality"`
	IsCorrect     *bool  `json:"is_correct"`
	IsComplete    *bool  `json:"is_complete"`

	// IsIncorrect is the legacy inverted form of IsCorrect found in
	// hand-edited snapshots.
	IsIncorrect *bool `json:"is_incorrect"`
}

// UnmarshalJSON decodes a part annotation, applying defaults for missing
// flags and accepting the legacy is_incorrect flag.
func (p *PartAnnotation) UnmarshalJSON(data []byte) error {
	var raw partAnnotationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := NewPartAnnotation(raw.Name, raw.RLEs)
	if raw.WasChecked != nil {
		out.WasChecked = *raw.WasChecked
	}
	if raw.IsPoorQuality != nil {
		out.IsPoorQuality = *raw.IsPoorQuality
	}
	switch {
	case raw.IsCorrect != nil:
		out.IsCorrect = *raw.IsCorrect
	case raw.IsIncorrect != nil:
		out.IsCorrect = !*raw.IsIncorrect
	}
	if raw.IsComplete != nil {
		out.IsComplete = *raw.IsComplete
	}

	*p = out
	return nil
}

// ImageAnnotation holds every part annotation for one image.
type ImageAnnotation struct {
	ImagePath string                    `json:"image_path"`
	Parts     map[string]PartAnnotation `json:"parts"`
}

// Clone returns a deep copy of the image annotation.
func (a ImageAnnotation) Clone() ImageAnnotation {
	out := ImageAnnotation{
		ImagePath: a.ImagePath,
		Parts:     make(map[string]PartAnnotation, len(a.Parts)),
	}
	for label, part := range a.Parts {
		rles := make([]RLE, len(part.RLEs))
		copy(rles, part.RLEs)
		part.RLEs = rles
		out.Parts[label] = part
	}
	return out
}

// QualityUpdate carries the optional quality flags applied to every part
// of an image. Nil flags are left untouched.
type QualityUpdate struct {
	ImagePath     string `json:"image_path"`
	IsPoorQuality *bool  `json:"is_poor_quality,omitempty"`
	IsCorrect     *bool  `json:"is_correct,omitempty"`
	IsComplete    *bool  `json:"is_complete,omitempty"`
}

// Apply sets the non-nil flags on every part and marks each part as checked.
func (u QualityUpdate) Apply(img *ImageAnnotation) {
	for label, part := range img.Parts {
		if u.IsPoorQuality != nil {
			part.IsPoorQuality = *u.IsPoorQuality
		}
		if u.IsCorrect != nil {
			part.IsCorrect = *u.IsCorrect
		}
		if u.IsComplete != nil {
			part.IsComplete = *u.IsComplete
		}
		part.WasChecked = true
		img.Parts[label] = part
	}
}
