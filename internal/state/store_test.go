package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/partonomy/annotator/internal/annotation"
	"github.com/partonomy/annotator/internal/kv"
	"github.com/partonomy/annotator/internal/snapshot"
	"github.com/partonomy/annotator/internal/snapshot/mocks"
	"github.com/partonomy/annotator/internal/sources"
)

type staticCollector struct {
	ds *sources.Dataset
}

func (c staticCollector) Collect(context.Context) (*sources.Dataset, error) {
	return c.ds, nil
}

type persistRecorder struct {
	mu    sync.Mutex
	calls []bool
}

func (p *persistRecorder) RecordPersist(_ context.Context, _ time.Duration, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, success)
}

func rle(counts string) annotation.RLE {
	return annotation.RLE{Counts: counts, Size: [2]int{2, 2}}
}

// three images: two with part labels, one with only an object label
func bootstrapDataset() *sources.Dataset {
	return &sources.Dataset{
		Images: map[string]map[string][]annotation.RLE{
			"a.jpg": {
				"dog--terrier":           {rle("04")},
				"dog--terrier--part:ear": {rle("031")},
			},
			"b.jpg": {
				"dog--terrier--part:ear":  {rle("13")},
				"dog--terrier--part:tail": {rle("22")},
			},
			"c.jpg": {
				"background": {rle("4")},
			},
		},
		PartLabels: []string{"dog--terrier--part:ear", "dog--terrier--part:tail"},
		ObjectParts: map[string][]string{
			"dog--terrier": {"dog--terrier--part:ear", "dog--terrier--part:tail"},
		},
		ImageLabels: map[string]string{"a.jpg": "dog--terrier", "b.jpg": "dog--terrier", "c.jpg": "background"},
	}
}

func newTestStore(t *testing.T, ds *sources.Dataset) (*Store, kv.Store, snapshot.Persistence) {
	t.Helper()
	store := kv.NewMemoryStore()
	snap := snapshot.NewFileSnapshot(filepath.Join(t.TempDir(), "annotations.json"))
	return NewStore(store, snap, WithCollector(staticCollector{ds: ds})), store, snap
}

func TestLoadBootstrapsWhenSnapshotMissing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, snap := newTestStore(t, bootstrapDataset())

	st, err := s.Load(ctx)
	require.NoError(t, err)

	assert.Empty(t, st.Checked)
	require.Len(t, st.Unchecked, 2, "images without part labels are dropped")
	assert.NotContains(t, st.Unchecked, "c.jpg")

	a := st.Unchecked["a.jpg"]
	assert.Equal(t, []string{"dog--terrier--part:ear"}, a.SortedLabels(), "object labels are not imported")
	for _, img := range st.Unchecked {
		for _, part := range img.Parts {
			assert.False(t, part.WasChecked)
			assert.True(t, part.IsCorrect)
			assert.True(t, part.IsComplete)
			assert.False(t, part.IsPoorQuality)
		}
	}

	persisted, err := snap.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, st, persisted, "bootstrap is persisted")

	cached, err := s.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, st, cached)

	lookups, err := s.GetLookups(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dog--terrier", lookups.ImageLabels["b.jpg"])
	assert.Len(t, lookups.ObjectParts["dog--terrier"], 2)
}

func TestLoadPrefersSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, snap := newTestStore(t, bootstrapDataset())

	existing := annotation.NewState()
	existing.Checked["z.jpg"] = annotation.ImageAnnotation{
		ImagePath: "z.jpg",
		Parts:     map[string]annotation.PartAnnotation{"x--part:y": annotation.NewPartAnnotation("x--part:y", nil)},
	}
	require.NoError(t, snap.Save(ctx, existing))

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, existing, st, "raw sources must not be merged into an existing snapshot")
}

func TestLoadCorruptSnapshotBootstraps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, snap := newTestStore(t, bootstrapDataset())
	require.NoError(t, os.WriteFile(snap.Path(), []byte(`{"checked": {`), 0600))

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Unchecked, 2)

	matches, err := filepath.Glob(snap.Path() + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1, "corrupt snapshot is kept aside")

	_, err = snap.Load(ctx)
	assert.NoError(t, err, "fresh bootstrap is persisted")
}

func TestLoadClearsStaleCompletionFlags(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := newTestStore(t, bootstrapDataset())

	require.NoError(t, s.MarkCompleted(ctx, "a.jpg"))
	_, err := s.Load(ctx)
	require.NoError(t, err)

	done, err := s.IsCompleted(ctx, "a.jpg")
	require.NoError(t, err)
	assert.False(t, done, "unchecked images must be claimable after load")
}

func TestGetStateErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, store, _ := newTestStore(t, nil)

	_, err := s.GetState(ctx)
	assert.ErrorIs(t, err, ErrStateMissing)

	_, err = s.GetLookups(ctx)
	assert.ErrorIs(t, err, ErrStateMissing)

	require.NoError(t, store.Set(ctx, StateKey, []byte("{not json")))
	_, err = s.GetState(ctx)
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestSaveState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemoryStore()
	snap := snapshot.NewFileSnapshot(filepath.Join(t.TempDir(), "annotations.json"))
	recorder := &persistRecorder{}
	s := NewStore(store, snap, WithPersistObserver(recorder))

	st := annotation.NewState()
	st.Unchecked["a.jpg"] = annotation.ImageAnnotation{ImagePath: "a.jpg", Parts: map[string]annotation.PartAnnotation{}}

	require.NoError(t, s.SaveState(ctx, st, false))
	_, err := snap.Load(ctx)
	assert.ErrorIs(t, err, snapshot.ErrSnapshotMissing, "cache-only save must not touch disk")

	require.NoError(t, s.SaveState(ctx, st, true))
	_, err = snap.Load(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, recorder.calls)

	bad := st.Clone()
	bad.Checked["a.jpg"] = bad.Unchecked["a.jpg"]
	assert.Error(t, s.SaveState(ctx, bad, false))
}

func TestCompletionFlags(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := newTestStore(t, nil)

	done, err := s.IsCompleted(ctx, "a.jpg")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkCompleted(ctx, "a.jpg"))
	done, err = s.IsCompleted(ctx, "a.jpg")
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, s.ClearCompleted(ctx, "a.jpg", "b.jpg"))
	done, err = s.IsCompleted(ctx, "a.jpg")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestLoadWithoutCollectorDerivesLookups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := kv.NewMemoryStore()
	snap := snapshot.NewFileSnapshot(filepath.Join(t.TempDir(), "annotations.json"))

	existing := annotation.NewState()
	existing.Unchecked["a.jpg"] = annotation.ImageAnnotation{
		ImagePath: "a.jpg",
		Parts: map[string]annotation.PartAnnotation{
			"cat--tabby--part:paw": annotation.NewPartAnnotation("cat--tabby--part:paw", nil),
		},
	}
	require.NoError(t, snap.Save(ctx, existing))

	s := NewStore(store, snap)
	_, err := s.Load(ctx)
	require.NoError(t, err)

	lookups, err := s.GetLookups(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cat--tabby", lookups.ImageLabels["a.jpg"])
	assert.Equal(t, []string{"cat--tabby--part:paw"}, lookups.ObjectParts["cat--tabby"])
}

func TestLoadDoesNotOverwriteUnquarantinedSnapshot(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	snap := mocks.NewMockPersistence(ctrl)
	snap.EXPECT().Path().Return("/data/annotations.json").AnyTimes()
	snap.EXPECT().Load(gomock.Any()).Return(nil, snapshot.ErrSnapshotCorrupt)
	snap.EXPECT().Quarantine(gomock.Any()).Return("", errors.New("read-only filesystem"))
	// no Save expected: the corrupt file must survive for the operator

	s := NewStore(kv.NewMemoryStore(), snap, WithCollector(staticCollector{ds: bootstrapDataset()}))
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Unchecked, 2)
}

func TestLoadPropagatesSnapshotErrors(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	snap := mocks.NewMockPersistence(ctrl)
	snap.EXPECT().Load(gomock.Any()).Return(nil, errors.New("permission denied"))

	_, err := NewStore(kv.NewMemoryStore(), snap).Load(context.Background())
	assert.ErrorContains(t, err, "permission denied")
}
