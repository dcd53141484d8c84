// Package queue orders unchecked images into a work queue, balancing
// annotation progress across object categories.
package queue

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/partonomy/annotator/internal/annotation"
)

// Strategy selects how categories are interleaved
type Strategy string

const (
	// StrategyDeferred queues categories without any checked image first
	StrategyDeferred Strategy = "deferred"
	// StrategyMinHeap always draws from the category with the lowest running total
	StrategyMinHeap Strategy = "min-heap"
	// StrategyNone queues unchecked images in path order
	StrategyNone Strategy = "none"
)

// DefaultBatchSize is the number of images drawn from a category per turn
const DefaultBatchSize = 1

// ParseStrategy validates a strategy name. An empty name selects StrategyDeferred.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyDeferred, nil
	case StrategyDeferred, StrategyMinHeap, StrategyNone:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown balance strategy %q", s)
	}
}

// Options configures Build
type Options struct {
	Strategy  Strategy
	BatchSize int
}

// category is a group of unchecked images sharing an object label
type category struct {
	name    string
	checked int
	images  []string
}

// Build returns the unchecked image paths of st in queue order. The result
// depends only on st and opts.
func Build(st *annotation.State, opts Options) []string {
	if st == nil || len(st.Unchecked) == 0 {
		return []string{}
	}

	n := opts.BatchSize
	if n <= 0 {
		n = DefaultBatchSize
	}

	switch opts.Strategy {
	case StrategyNone:
		return st.UncheckedPaths()
	case StrategyMinHeap:
		return buildMinHeap(categorize(st), n)
	default:
		return buildDeferred(categorize(st), n)
	}
}

// CategoryOf returns the balancing category of an image
func CategoryOf(img annotation.ImageAnnotation) string {
	return img.ObjectLabel()
}

// categorize groups unchecked images by category, sorted by name. Images in
// each category are ordered by descending part count, then path.
func categorize(st *annotation.State) []*category {
	byName := map[string]*category{}
	get := func(name string) *category {
		c, ok := byName[name]
		if !ok {
			c = &category{name: name}
			byName[name] = c
		}
		return c
	}

	for _, img := range st.Checked {
		get(CategoryOf(img)).checked++
	}
	for path, img := range st.Unchecked {
		c := get(CategoryOf(img))
		c.images = append(c.images, path)
	}

	out := make([]*category, 0, len(byName))
	for _, c := range byName {
		if len(c.images) == 0 {
			continue
		}
		sort.Slice(c.images, func(i, j int) bool {
			pi := len(st.Unchecked[c.images[i]].Parts)
			pj := len(st.Unchecked[c.images[j]].Parts)
			if pi != pj {
				return pi > pj
			}
			return c.images[i] < c.images[j]
		})
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func buildDeferred(categories []*category, n int) []string {
	var fresh, deferred []*category
	for _, c := range categories {
		if c.checked == 0 {
			fresh = append(fresh, c)
		} else {
			deferred = append(deferred, c)
		}
	}

	out := make([]string, 0)
	out = roundRobin(out, fresh, n)
	return roundRobin(out, deferred, n)
}

// roundRobin drains categories n images at a time, in order, until all are empty.
func roundRobin(out []string, categories []*category, n int) []string {
	offsets := make([]int, len(categories))
	for remaining := true; remaining; {
		remaining = false
		for i, c := range categories {
			if offsets[i] >= len(c.images) {
				continue
			}
			end := min(offsets[i]+n, len(c.images))
			out = append(out, c.images[offsets[i]:end]...)
			offsets[i] = end
			if end < len(c.images) {
				remaining = true
			}
		}
	}
	return out
}

type heapEntry struct {
	cat    *category
	total  int
	offset int
}

type categoryHeap []*heapEntry

func (h categoryHeap) Len() int { return len(h) }
func (h categoryHeap) Less(i, j int) bool {
	if h[i].total != h[j].total {
		return h[i].total < h[j].total
	}
	return h[i].cat.name < h[j].cat.name
}
func (h categoryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *categoryHeap) Push(x any)   { *h = append(*h, x.(*heapEntry)) }
func (h *categoryHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

func buildMinHeap(categories []*category, n int) []string {
	h := make(categoryHeap, 0, len(categories))
	for _, c := range categories {
		h = append(h, &heapEntry{cat: c, total: c.checked})
	}
	heap.Init(&h)

	out := make([]string, 0)
	for h.Len() > 0 {
		e := heap.Pop(&h).(*heapEntry)
		end := min(e.offset+n, len(e.cat.images))
		out = append(out, e.cat.images[e.offset:end]...)
		e.total += end - e.offset
		e.offset = end
		if e.offset < len(e.cat.images) {
			heap.Push(&h, e)
		}
	}
	return out
}
