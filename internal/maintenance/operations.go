// Package maintenance edits the durable annotation snapshot offline: moving
// images back for review, dropping objects and parts, renaming parts and
// summarizing progress. Edits run while no service instance is writing the
// snapshot; running instances pick them up through a rehydrating reload.
package maintenance

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/partonomy/annotator/internal/annotation"
)

// ErrImageNotFound is returned when an image path is in neither collection
var ErrImageNotFound = errors.New("image not found in snapshot")

// Report summarizes the effect of an operation
type Report struct {
	// Operation names the edit
	Operation string `json:"operation"`

	// Counts tallies affected items, keyed by label, object or collection
	Counts map[string]int `json:"counts,omitempty"`

	// Paths lists the affected image paths in ascending order
	Paths []string `json:"paths,omitempty"`
}

func newReport(op string) *Report {
	return &Report{Operation: op, Counts: map[string]int{}}
}

func (r *Report) addPath(path string) {
	r.Paths = append(r.Paths, path)
}

func (r *Report) finish() *Report {
	sort.Strings(r.Paths)
	return r
}

// Changed reports whether the operation modified anything
func (r *Report) Changed() bool {
	return len(r.Paths) > 0 || len(r.Counts) > 0
}

// Operation mutates a state in place
type Operation func(st *annotation.State) (*Report, error)

// MoveImage puts one image back into the unchecked collection with every
// was_checked flag cleared. With clearUnchecked set, the unchecked collection
// is emptied first so the image is the only one left to review.
func MoveImage(path string, clearUnchecked bool) Operation {
	return func(st *annotation.State) (*Report, error) {
		img, _, ok := st.Locate(path)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		delete(st.Checked, path)
		delete(st.Unchecked, path)

		r := newReport("move-image")
		if clearUnchecked {
			r.Counts["cleared_unchecked"] = len(st.Unchecked)
			st.Unchecked = map[string]annotation.ImageAnnotation{}
		}
		st.Unchecked[path] = resetWasChecked(img)
		r.addPath(path)
		return r.finish(), nil
	}
}

// MoveObject moves every image of an object label back to unchecked. The
// object of an image is that of its first part label.
func MoveObject(object string) Operation {
	return func(st *annotation.State) (*Report, error) {
		r := newReport("move-object")
		for _, coll := range []map[string]annotation.ImageAnnotation{st.Checked, st.Unchecked} {
			for path, img := range coll {
				if img.ObjectLabel() == object {
					r.addPath(path)
				}
			}
		}
		for _, path := range r.Paths {
			img, _, _ := st.Locate(path)
			delete(st.Checked, path)
			st.Unchecked[path] = resetWasChecked(img)
		}
		if len(r.Paths) > 0 {
			r.Counts[object] = len(r.Paths)
		}
		return r.finish(), nil
	}
}

// MoveParts moves every checked image containing any of parts back to
// unchecked. Counts are keyed by the first matching part of each image.
func MoveParts(parts ...string) Operation {
	wanted := toSet(parts)
	return func(st *annotation.State) (*Report, error) {
		r := newReport("move-parts")
		for _, path := range st.CheckedPaths() {
			img := st.Checked[path]
			for _, label := range img.SortedLabels() {
				if _, ok := wanted[label]; ok {
					r.Counts[label]++
					r.addPath(path)
					break
				}
			}
		}
		for _, path := range r.Paths {
			img := st.Checked[path]
			delete(st.Checked, path)
			st.Unchecked[path] = img
		}
		return r.finish(), nil
	}
}

// FindImages returns the image paths containing substr, in ascending order
func FindImages(st *annotation.State, substr string) []string {
	var paths []string
	for _, coll := range []map[string]annotation.ImageAnnotation{st.Checked, st.Unchecked} {
		for path := range coll {
			if strings.Contains(path, substr) {
				paths = append(paths, path)
			}
		}
	}
	sort.Strings(paths)
	return paths
}

// RemoveImages drops the given images from whichever collection holds them.
// Unknown paths are counted under "missing".
func RemoveImages(paths ...string) Operation {
	return func(st *annotation.State) (*Report, error) {
		r := newReport("remove-image")
		for _, path := range paths {
			_, coll, ok := st.Locate(path)
			if !ok {
				r.Counts["missing"]++
				continue
			}
			delete(st.Checked, path)
			delete(st.Unchecked, path)
			r.Counts[string(coll)]++
			r.addPath(path)
		}
		return r.finish(), nil
	}
}

// RemoveObjects drops every part belonging to the given object labels.
// Images left without parts are dropped, and the objects are recorded as
// excluded so a bootstrap from raw sources does not bring them back.
func RemoveObjects(objects ...string) Operation {
	wanted := toSet(objects)
	return func(st *annotation.State) (*Report, error) {
		r := newReport("remove-objects")
		for _, coll := range []map[string]annotation.ImageAnnotation{st.Checked, st.Unchecked} {
			for path, img := range coll {
				removed := ""
				for label := range img.Parts {
					object := annotation.ObjectPrefix(label)
					if _, ok := wanted[object]; ok {
						delete(img.Parts, label)
						r.Counts["parts:"+object]++
						removed = object
					}
				}
				if removed != "" && len(img.Parts) == 0 {
					delete(coll, path)
					r.Counts["images:"+removed]++
					r.addPath(path)
				}
			}
		}

		excluded := toSet(st.ExcludedObjects)
		for _, object := range objects {
			if _, ok := excluded[object]; !ok {
				st.ExcludedObjects = append(st.ExcludedObjects, object)
				excluded[object] = struct{}{}
				r.Counts["excluded:"+object] = 1
			}
		}
		return r.finish(), nil
	}
}

// RemoveParts drops the given part labels from every image. Images are kept
// even when no part remains.
func RemoveParts(parts ...string) Operation {
	wanted := toSet(parts)
	return func(st *annotation.State) (*Report, error) {
		r := newReport("remove-parts")
		for _, coll := range []map[string]annotation.ImageAnnotation{st.Checked, st.Unchecked} {
			for path, img := range coll {
				hit := false
				for label := range img.Parts {
					if _, ok := wanted[label]; ok {
						delete(img.Parts, label)
						r.Counts[label]++
						hit = true
					}
				}
				if hit {
					r.addPath(path)
				}
			}
		}
		return r.finish(), nil
	}
}

// RenamePart renames a part label on every image. Counts are keyed by
// collection.
func RenamePart(oldLabel, newLabel string) Operation {
	return func(st *annotation.State) (*Report, error) {
		if oldLabel == "" || newLabel == "" {
			return nil, errors.New("both the old and the new part label are required")
		}
		if oldLabel == newLabel {
			return nil, fmt.Errorf("part %q is already named %q", oldLabel, newLabel)
		}

		r := newReport("rename-part")
		for name, coll := range map[annotation.Collection]map[string]annotation.ImageAnnotation{
			annotation.CollectionChecked:   st.Checked,
			annotation.CollectionUnchecked: st.Unchecked,
		} {
			for path, img := range coll {
				part, ok := img.Parts[oldLabel]
				if !ok {
					continue
				}
				if _, clash := img.Parts[newLabel]; clash {
					return nil, fmt.Errorf("image %s already has part %q", path, newLabel)
				}
				delete(img.Parts, oldLabel)
				part.Name = newLabel
				img.Parts[newLabel] = part
				r.Counts[string(name)]++
				r.addPath(path)
			}
		}
		return r.finish(), nil
	}
}

// Summary describes the content of a snapshot
type Summary struct {
	TotalImages     int            `json:"total_images"`
	CheckedImages   int            `json:"checked_images"`
	UncheckedImages int            `json:"unchecked_images"`
	PoorQuality     int            `json:"poor_quality_images"`
	Parts           map[string]int `json:"parts"`
	Objects         map[string]int `json:"objects"`
	ExcludedObjects []string       `json:"excluded_objects,omitempty"`
}

// Summarize counts images, part labels and objects in a state. An image is
// poor quality if any of its parts is flagged.
func Summarize(st *annotation.State) Summary {
	s := Summary{
		TotalImages:     st.Total(),
		CheckedImages:   len(st.Checked),
		UncheckedImages: len(st.Unchecked),
		Parts:           map[string]int{},
		Objects:         map[string]int{},
		ExcludedObjects: st.ExcludedObjects,
	}
	for _, coll := range []map[string]annotation.ImageAnnotation{st.Checked, st.Unchecked} {
		for _, img := range coll {
			poor := false
			for label, part := range img.Parts {
				s.Parts[label]++
				poor = poor || part.IsPoorQuality
			}
			if poor {
				s.PoorQuality++
			}
			if object := img.ObjectLabel(); object != "" {
				s.Objects[object]++
			}
		}
	}
	return s
}

func resetWasChecked(img annotation.ImageAnnotation) annotation.ImageAnnotation {
	for label, part := range img.Parts {
		part.WasChecked = false
		img.Parts[label] = part
	}
	return img
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
