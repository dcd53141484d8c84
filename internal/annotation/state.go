package annotation

import (
	"fmt"
	"sort"
)

// Collection identifies which half of the state an image lives in.
type Collection string

const (
	// CollectionNone means the image is in neither collection
	CollectionNone Collection = ""
	// CollectionChecked holds images that have been reviewed
	CollectionChecked Collection = "checked"
	// CollectionUnchecked holds images still awaiting review
	CollectionUnchecked Collection = "unchecked"
)

// State is the complete annotation state. An image path appears in at most
// one of Checked and Unchecked.
type State struct {
	Checked   map[string]ImageAnnotation `json:"checked"`
	Unchecked map[string]ImageAnnotation `json:"unchecked"`

	// ExcludedObjects lists object labels removed from the dataset by
	// maintenance tooling.
	ExcludedObjects []string `json:"excluded_objects,omitempty"`
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Checked:   map[string]ImageAnnotation{},
		Unchecked: map[string]ImageAnnotation{},
	}
}

// Normalize replaces nil collections with empty maps and fills in image
// paths missing from stored annotations.
func (s *State) Normalize() {
	if s.Checked == nil {
		s.Checked = map[string]ImageAnnotation{}
	}
	if s.Unchecked == nil {
		s.Unchecked = map[string]ImageAnnotation{}
	}
	for _, coll := range []map[string]ImageAnnotation{s.Checked, s.Unchecked} {
		for path, img := range coll {
			if img.ImagePath == "" || img.Parts == nil {
				if img.ImagePath == "" {
					img.ImagePath = path
				}
				if img.Parts == nil {
					img.Parts = map[string]PartAnnotation{}
				}
				coll[path] = img
			}
		}
	}
}

// Validate checks that no image appears in both collections.
func (s *State) Validate() error {
	for path := range s.Checked {
		if _, ok := s.Unchecked[path]; ok {
			return fmt.Errorf("image %q is both checked and unchecked", path)
		}
	}
	return nil
}

// Locate returns the image annotation and the collection it belongs to.
func (s *State) Locate(path string) (ImageAnnotation, Collection, bool) {
	if img, ok := s.Checked[path]; ok {
		return img, CollectionChecked, true
	}
	if img, ok := s.Unchecked[path]; ok {
		return img, CollectionUnchecked, true
	}
	return ImageAnnotation{}, CollectionNone, false
}

// MarkChecked stores img in the checked collection and removes it from the
// unchecked one.
func (s *State) MarkChecked(img ImageAnnotation) {
	delete(s.Unchecked, img.ImagePath)
	s.Checked[img.ImagePath] = img
}

// MarkUnchecked moves an image back to the unchecked collection, clearing
// the was_checked flag of every part. It returns false if the image is not
// checked.
func (s *State) MarkUnchecked(path string) bool {
	img, ok := s.Checked[path]
	if !ok {
		return false
	}
	for label, part := range img.Parts {
		part.WasChecked = false
		img.Parts[label] = part
	}
	delete(s.Checked, path)
	s.Unchecked[path] = img
	return true
}

// Total returns the number of images across both collections.
func (s *State) Total() int {
	return len(s.Checked) + len(s.Unchecked)
}

// CheckedPaths returns the checked image paths in ascending order.
func (s *State) CheckedPaths() []string {
	return sortedKeys(s.Checked)
}

// UncheckedPaths returns the unchecked image paths in ascending order.
func (s *State) UncheckedPaths() []string {
	return sortedKeys(s.Unchecked)
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := &State{
		Checked:   make(map[string]ImageAnnotation, len(s.Checked)),
		Unchecked: make(map[string]ImageAnnotation, len(s.Unchecked)),
	}
	for path, img := range s.Checked {
		out.Checked[path] = img.Clone()
	}
	for path, img := range s.Unchecked {
		out.Unchecked[path] = img.Clone()
	}
	if s.ExcludedObjects != nil {
		out.ExcludedObjects = append([]string(nil), s.ExcludedObjects...)
	}
	return out
}

func sortedKeys(m map[string]ImageAnnotation) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
