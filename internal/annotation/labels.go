package annotation

import (
	"sort"
	"strings"
)

const (
	// PartSeparator separates the object label from the part name in a part label,
	// as in "boats--airboat--part:hull".
	PartSeparator = "--part:"

	// CategorySeparator separates the category from the rest of an object label.
	CategorySeparator = "--"
)

// IsPartLabel reports whether the label names a part.
func IsPartLabel(label string) bool {
	return strings.Contains(label, PartSeparator)
}

// ObjectPrefix returns the object label of a part label. Labels that are not
// part labels are returned unchanged.
func ObjectPrefix(label string) string {
	object, _, _ := strings.Cut(label, PartSeparator)
	return object
}

// PartName returns the part component of a part label, or "" if the label
// is not a part label.
func PartName(label string) string {
	_, part, found := strings.Cut(label, PartSeparator)
	if !found {
		return ""
	}
	return part
}

// CategoryName returns the top-level category of a label, the text before
// the first "--".
func CategoryName(label string) string {
	category, _, _ := strings.Cut(label, CategorySeparator)
	return category
}

// SortedLabels returns the part labels of an image in ascending order.
func (a ImageAnnotation) SortedLabels() []string {
	labels := make([]string, 0, len(a.Parts))
	for label := range a.Parts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// ObjectLabel returns the object label of the image, taken from its
// lexicographically first part label. Images without parts return "".
func (a ImageAnnotation) ObjectLabel() string {
	labels := a.SortedLabels()
	if len(labels) == 0 {
		return ""
	}
	return ObjectPrefix(labels[0])
}
