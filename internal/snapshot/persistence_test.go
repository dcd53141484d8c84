package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partonomy/annotator/internal/annotation"
)

func sampleState() *annotation.State {
	st := annotation.NewState()
	st.Unchecked["imgs/a.jpg"] = annotation.ImageAnnotation{
		ImagePath: "imgs/a.jpg",
		Parts: map[string]annotation.PartAnnotation{
			"dog--terrier--part:ear": annotation.NewPartAnnotation("dog--terrier--part:ear",
				[]annotation.RLE{{Counts: "022", Size: [2]int{2, 2}}}),
		},
	}
	return st
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewFileSnapshot(filepath.Join(t.TempDir(), "nested", "annotations.json"))

	_, err := p.Load(ctx)
	assert.ErrorIs(t, err, ErrSnapshotMissing)

	want := sampleState()
	require.NoError(t, p.Save(ctx, want))

	got, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = os.Stat(p.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must not be left behind")
}

func TestLoadCorrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"truncated json", `{"checked": {`},
		{"not an object", `[1,2,3]`},
		{"overlapping collections", `{"checked":{"a":{"image_path":"a","parts":{}}},"unchecked":{"a":{"image_path":"a","parts":{}}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "annotations.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := NewFileSnapshot(path).Load(context.Background())
			assert.ErrorIs(t, err, ErrSnapshotCorrupt)
		})
	}
}

func TestDecodeTolerant(t *testing.T) {
	t.Parallel()

	st, err := Decode([]byte(`{
		"unchecked": {"a.jpg": {"parts": {"x--part:y": {"name": "x--part:y", "rles": [], "is_incorrect": true}}}},
		"excluded_objects": ["z"],
		"note": "hand edited"
	}`))
	require.NoError(t, err)

	assert.NotNil(t, st.Checked)
	img := st.Unchecked["a.jpg"]
	assert.Equal(t, "a.jpg", img.ImagePath)
	assert.False(t, img.Parts["x--part:y"].IsCorrect)
	assert.True(t, img.Parts["x--part:y"].IsComplete)
	assert.Equal(t, []string{"z"}, st.ExcludedObjects)
}

func TestBackupAndQuarantine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	fixed := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	p := &fileSnapshot{path: filepath.Join(dir, "annotations.json"), now: func() time.Time { return fixed }}

	_, err := p.Backup(ctx, filepath.Join(dir, "backups"))
	assert.ErrorIs(t, err, ErrSnapshotMissing)

	require.NoError(t, p.Save(ctx, sampleState()))

	backup, err := p.Backup(ctx, filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backups", "2024-03-09_14-05-07_annotations.json"), backup)

	original, err := os.ReadFile(p.path)
	require.NoError(t, err)
	copied, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, original, copied)

	moved, err := p.Quarantine(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.path+".corrupt-2024-03-09_14-05-07", moved)
	_, err = p.Load(ctx)
	assert.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestConcurrentWritersNeverTear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewFileSnapshot(filepath.Join(t.TempDir(), "annotations.json"))
	require.NoError(t, p.Save(ctx, sampleState()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Save(ctx, sampleState()))
		}()
		go func() {
			defer wg.Done()
			_, err := p.Load(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
