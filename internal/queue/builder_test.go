package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partonomy/annotator/internal/annotation"
)

// image builds an annotation with parts labels under object
func image(path, object string, parts int) annotation.ImageAnnotation {
	img := annotation.ImageAnnotation{ImagePath: path, Parts: map[string]annotation.PartAnnotation{}}
	for i := 0; i < parts; i++ {
		label := fmt.Sprintf("%s--part:p%d", object, i)
		img.Parts[label] = annotation.NewPartAnnotation(label, nil)
	}
	return img
}

// newState creates unchecked and checked images per category, all with one part
func newState(unchecked, checked map[string]int) *annotation.State {
	st := annotation.NewState()
	for object, n := range unchecked {
		for i := 0; i < n; i++ {
			path := fmt.Sprintf("%s/u%d.jpg", object, i)
			st.Unchecked[path] = image(path, object, 1)
		}
	}
	for object, n := range checked {
		for i := 0; i < n; i++ {
			path := fmt.Sprintf("%s/c%d.jpg", object, i)
			st.Checked[path] = image(path, object, 1)
		}
	}
	return st
}

func categories(st *annotation.State, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = CategoryOf(st.Unchecked[p])
	}
	return out
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Strategy
		wantErr bool
	}{
		{name: "empty defaults to deferred", input: "", want: StrategyDeferred},
		{name: "deferred", input: "deferred", want: StrategyDeferred},
		{name: "min-heap", input: "min-heap", want: StrategyMinHeap},
		{name: "none", input: "none", want: StrategyNone},
		{name: "unknown", input: "random", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStrategy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Build(nil, Options{}))
	assert.Empty(t, Build(annotation.NewState(), Options{Strategy: StrategyMinHeap}))
}

func TestBuildIsPermutationOfUnchecked(t *testing.T) {
	t.Parallel()

	st := newState(map[string]int{"a--x": 4, "b--y": 7, "c--z": 1}, map[string]int{"b--y": 2})

	for _, strategy := range []Strategy{StrategyDeferred, StrategyMinHeap, StrategyNone} {
		for _, n := range []int{0, 1, 3} {
			t.Run(fmt.Sprintf("%s/%d", strategy, n), func(t *testing.T) {
				t.Parallel()
				got := Build(st, Options{Strategy: strategy, BatchSize: n})
				assert.ElementsMatch(t, st.UncheckedPaths(), got)
				assert.Equal(t, got, Build(st, Options{Strategy: strategy, BatchSize: n}), "build must be deterministic")
			})
		}
	}
}

func TestBuildDeferred(t *testing.T) {
	t.Parallel()

	st := newState(map[string]int{"a--x": 5, "b--y": 5}, map[string]int{"b--y": 3})
	got := categories(st, Build(st, Options{Strategy: StrategyDeferred}))

	assert.Equal(t, []string{
		"a--x", "a--x", "a--x", "a--x", "a--x",
		"b--y", "b--y", "b--y", "b--y", "b--y",
	}, got)
}

func TestBuildDeferredRoundRobin(t *testing.T) {
	t.Parallel()

	st := newState(map[string]int{"a--x": 3, "b--y": 1, "c--z": 2}, map[string]int{"c--z": 1})

	got := categories(st, Build(st, Options{Strategy: StrategyDeferred, BatchSize: 2}))
	assert.Equal(t, []string{"a--x", "a--x", "b--y", "a--x", "c--z", "c--z"}, got)
}

func TestBuildMinHeapNeverSkipsLowerTotal(t *testing.T) {
	t.Parallel()

	st := newState(map[string]int{"a--x": 5, "b--y": 5}, map[string]int{"b--y": 3})
	got := categories(st, Build(st, Options{Strategy: StrategyMinHeap}))

	totals := map[string]int{"a--x": 0, "b--y": 3}
	for i, cat := range got {
		for other, total := range totals {
			remaining := 0
			for _, c := range got[i:] {
				if c == other {
					remaining++
				}
			}
			if other != cat && remaining > 0 {
				assert.LessOrEqual(t, totals[cat], total, "position %d drew %s while %s had a lower total", i, cat, other)
			}
		}
		totals[cat]++
	}

	assert.Equal(t, []string{"a--x", "a--x", "a--x", "a--x", "b--y"}, got[:5])
}

func TestBuildMinHeapBatches(t *testing.T) {
	t.Parallel()

	st := newState(map[string]int{"a--x": 4, "b--y": 4}, nil)
	got := categories(st, Build(st, Options{Strategy: StrategyMinHeap, BatchSize: 2}))

	assert.Equal(t, []string{"a--x", "a--x", "b--y", "b--y", "a--x", "a--x", "b--y", "b--y"}, got)
}

func TestBuildOrdersRicherImagesFirst(t *testing.T) {
	t.Parallel()

	st := annotation.NewState()
	st.Unchecked["a/1.jpg"] = image("a/1.jpg", "a--x", 1)
	st.Unchecked["a/2.jpg"] = image("a/2.jpg", "a--x", 3)
	st.Unchecked["a/3.jpg"] = image("a/3.jpg", "a--x", 3)
	st.Unchecked["a/0.jpg"] = image("a/0.jpg", "a--x", 2)

	want := []string{"a/2.jpg", "a/3.jpg", "a/0.jpg", "a/1.jpg"}
	assert.Equal(t, want, Build(st, Options{Strategy: StrategyDeferred}))
	assert.Equal(t, want, Build(st, Options{Strategy: StrategyMinHeap}))
	assert.Equal(t, []string{"a/0.jpg", "a/1.jpg", "a/2.jpg", "a/3.jpg"}, Build(st, Options{Strategy: StrategyNone}))
}
