package maintenance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partonomy/annotator/internal/annotation"
)

func part(label string, wasChecked bool) annotation.PartAnnotation {
	p := annotation.NewPartAnnotation(label, []annotation.RLE{{Counts: "04", Size: [2]int{2, 2}}})
	p.WasChecked = wasChecked
	return p
}

func image(path string, checked bool, labels ...string) annotation.ImageAnnotation {
	img := annotation.ImageAnnotation{ImagePath: path, Parts: map[string]annotation.PartAnnotation{}}
	for _, l := range labels {
		img.Parts[l] = part(l, checked)
	}
	return img
}

// fixture returns a state with two checked and two unchecked images
func fixture() *annotation.State {
	st := annotation.NewState()
	st.Checked["boats/1.jpg"] = image("boats/1.jpg", true, "boat--airboat--part:hull", "boat--airboat--part:fan")
	st.Checked["dogs/1.jpg"] = image("dogs/1.jpg", true, "dog--terrier--part:ear")
	st.Unchecked["boats/2.jpg"] = image("boats/2.jpg", false, "boat--airboat--part:hull")
	st.Unchecked["mixed/1.jpg"] = image("mixed/1.jpg", false, "boat--airboat--part:fan", "dog--terrier--part:ear")
	return st
}

func TestMoveImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		path           string
		clearUnchecked bool
		wantUnchecked  []string
		wantErr        error
	}{
		{
			name:          "checked image",
			path:          "boats/1.jpg",
			wantUnchecked: []string{"boats/1.jpg", "boats/2.jpg", "mixed/1.jpg"},
		},
		{
			name:          "unchecked image stays unchecked",
			path:          "boats/2.jpg",
			wantUnchecked: []string{"boats/2.jpg", "mixed/1.jpg"},
		},
		{
			name:           "clear unchecked first",
			path:           "dogs/1.jpg",
			clearUnchecked: true,
			wantUnchecked:  []string{"dogs/1.jpg"},
		},
		{
			name:    "unknown image",
			path:    "cats/1.jpg",
			wantErr: ErrImageNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := fixture()
			r, err := MoveImage(tt.path, tt.clearUnchecked)(st)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{tt.path}, r.Paths)
			assert.Equal(t, tt.wantUnchecked, st.UncheckedPaths())
			assert.NotContains(t, st.Checked, tt.path)
			for _, p := range st.Unchecked[tt.path].Parts {
				assert.False(t, p.WasChecked)
			}
		})
	}
}

func TestMoveObject(t *testing.T) {
	t.Parallel()

	st := fixture()
	r, err := MoveObject("boat--airboat")(st)
	require.NoError(t, err)

	// mixed/1.jpg belongs to boat by its first sorted label
	assert.Equal(t, []string{"boats/1.jpg", "boats/2.jpg", "mixed/1.jpg"}, r.Paths)
	assert.Equal(t, 3, r.Counts["boat--airboat"])
	assert.Equal(t, []string{"dogs/1.jpg"}, st.CheckedPaths())
	assert.False(t, st.Unchecked["boats/1.jpg"].Parts["boat--airboat--part:hull"].WasChecked)

	r, err = MoveObject("cat--tabby")(fixture())
	require.NoError(t, err)
	assert.False(t, r.Changed())
}

func TestMoveParts(t *testing.T) {
	t.Parallel()

	st := fixture()
	r, err := MoveParts("boat--airboat--part:fan", "dog--terrier--part:ear")(st)
	require.NoError(t, err)

	assert.Equal(t, []string{"boats/1.jpg", "dogs/1.jpg"}, r.Paths)
	assert.Equal(t, map[string]int{"boat--airboat--part:fan": 1, "dog--terrier--part:ear": 1}, r.Counts)
	assert.Empty(t, st.Checked)
	// review history is kept
	assert.True(t, st.Unchecked["dogs/1.jpg"].Parts["dog--terrier--part:ear"].WasChecked)
}

func TestFindAndRemoveImages(t *testing.T) {
	t.Parallel()

	st := fixture()
	found := FindImages(st, "boats/")
	assert.Equal(t, []string{"boats/1.jpg", "boats/2.jpg"}, found)

	r, err := RemoveImages(append(found, "cats/1.jpg")...)(st)
	require.NoError(t, err)
	assert.Equal(t, found, r.Paths)
	assert.Equal(t, map[string]int{"checked": 1, "unchecked": 1, "missing": 1}, r.Counts)
	assert.Equal(t, 2, st.Total())
	assert.Empty(t, FindImages(st, "boats/"))
}

func TestRemoveObjects(t *testing.T) {
	t.Parallel()

	st := fixture()
	st.ExcludedObjects = []string{"cat"}

	r, err := RemoveObjects("boat--airboat", "cat")(st)
	require.NoError(t, err)

	// only images left without parts are dropped
	assert.Equal(t, []string{"boats/1.jpg", "boats/2.jpg"}, r.Paths)
	assert.Equal(t, 4, r.Counts["parts:boat--airboat"])
	assert.Equal(t, 2, r.Counts["images:boat--airboat"])
	assert.Equal(t, 1, r.Counts["excluded:boat--airboat"])
	assert.NotContains(t, r.Counts, "excluded:cat")

	require.Contains(t, st.Unchecked, "mixed/1.jpg")
	assert.Equal(t, []string{"dog--terrier--part:ear"}, st.Unchecked["mixed/1.jpg"].SortedLabels())
	assert.Equal(t, []string{"cat", "boat--airboat"}, st.ExcludedObjects)
}

func TestRemoveParts(t *testing.T) {
	t.Parallel()

	st := fixture()
	r, err := RemoveParts("boat--airboat--part:hull")(st)
	require.NoError(t, err)

	assert.Equal(t, []string{"boats/1.jpg", "boats/2.jpg"}, r.Paths)
	assert.Equal(t, 2, r.Counts["boat--airboat--part:hull"])
	require.Contains(t, st.Unchecked, "boats/2.jpg", "emptied images are kept")
	assert.Empty(t, st.Unchecked["boats/2.jpg"].Parts)
}

func TestRenamePart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		oldLabel   string
		newLabel   string
		wantCounts map[string]int
		wantErr    string
	}{
		{
			name:       "renamed in both collections",
			oldLabel:   "boat--airboat--part:hull",
			newLabel:   "boat--airboat--part:body",
			wantCounts: map[string]int{"checked": 1, "unchecked": 1},
		},
		{
			name:       "unknown label",
			oldLabel:   "boat--airboat--part:sail",
			newLabel:   "boat--airboat--part:mast",
			wantCounts: map[string]int{},
		},
		{
			name:     "target label exists",
			oldLabel: "boat--airboat--part:hull",
			newLabel: "boat--airboat--part:fan",
			wantErr:  "already has part",
		},
		{
			name:     "same label",
			oldLabel: "boat--airboat--part:hull",
			newLabel: "boat--airboat--part:hull",
			wantErr:  "already named",
		},
		{
			name:     "empty label",
			oldLabel: "boat--airboat--part:hull",
			wantErr:  "required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := fixture()
			r, err := RenamePart(tt.oldLabel, tt.newLabel)(st)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCounts, r.Counts)
			if len(tt.wantCounts) == 0 {
				return
			}
			renamed := st.Checked["boats/1.jpg"].Parts[tt.newLabel]
			assert.Equal(t, tt.newLabel, renamed.Name)
			assert.NotContains(t, st.Unchecked["boats/2.jpg"].Parts, tt.oldLabel)
		})
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	st := fixture()
	img := st.Unchecked["mixed/1.jpg"]
	p := img.Parts["dog--terrier--part:ear"]
	p.IsPoorQuality = true
	img.Parts["dog--terrier--part:ear"] = p

	s := Summarize(st)
	assert.Equal(t, 4, s.TotalImages)
	assert.Equal(t, 2, s.CheckedImages)
	assert.Equal(t, 2, s.UncheckedImages)
	assert.Equal(t, 1, s.PoorQuality)
	assert.Equal(t, 2, s.Parts["boat--airboat--part:hull"])
	assert.Equal(t, map[string]int{"boat--airboat": 3, "dog--terrier": 1}, s.Objects)
}
