package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/partonomy/annotator/internal/annotation"
	"github.com/partonomy/annotator/internal/snapshot"
	"github.com/partonomy/annotator/internal/snapshot/mocks"
)

func savedSnapshot(t *testing.T) snapshot.Persistence {
	t.Helper()
	snap := snapshot.NewFileSnapshot(filepath.Join(t.TempDir(), "annotations.json"))
	require.NoError(t, snap.Save(context.Background(), fixture()))
	return snap
}

func backups(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestEditorApply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	snap := savedSnapshot(t)
	backupDir := filepath.Join(t.TempDir(), "backups")
	editor := NewEditor(snap, backupDir)

	r, err := editor.Apply(ctx, MoveImage("dogs/1.jpg", false), ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"dogs/1.jpg"}, r.Paths)

	st, err := snap.Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, st.Unchecked, "dogs/1.jpg")

	names := backups(t, backupDir)
	require.Len(t, names, 1)
	assert.Contains(t, names[0], snapshot.BackupSuffix)

	// the backup holds the state before the edit
	old, err := snapshot.NewFileSnapshot(filepath.Join(backupDir, names[0])).Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, old.Checked, "dogs/1.jpg")
}

func TestEditorApplyDryRunAndNoop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   Operation
		opts ApplyOptions
	}{
		{name: "dry run", op: RemoveParts("dog--terrier--part:ear"), opts: ApplyOptions{DryRun: true}},
		{name: "nothing to change", op: RemoveParts("cat--tabby--part:tail")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			snap := savedSnapshot(t)
			backupDir := filepath.Join(t.TempDir(), "backups")

			_, err := NewEditor(snap, backupDir).Apply(ctx, tt.op, tt.opts)
			require.NoError(t, err)

			st, err := snap.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, fixture(), st)
			assert.Empty(t, backups(t, backupDir))
		})
	}
}

func TestEditorApplyOutPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	snap := savedSnapshot(t)
	out := filepath.Join(t.TempDir(), "renamed.json")

	_, err := NewEditor(snap, "").Apply(ctx,
		RenamePart("boat--airboat--part:hull", "boat--airboat--part:body"),
		ApplyOptions{OutPath: out})
	require.NoError(t, err)

	renamed, err := snapshot.NewFileSnapshot(out).Load(ctx)
	require.NoError(t, err)
	assert.Contains(t, renamed.Checked["boats/1.jpg"].Parts, "boat--airboat--part:body")

	original, err := snap.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, fixture(), original, "the source snapshot is untouched")

	// default backup location sits next to the snapshot
	assert.Len(t, backups(t, filepath.Join(filepath.Dir(snap.Path()), "backups")), 1)
}

func TestEditorApplyFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(m *mocks.MockPersistence)
		op      Operation
		wantErr string
	}{
		{
			name: "snapshot missing",
			setup: func(m *mocks.MockPersistence) {
				m.EXPECT().Load(gomock.Any()).Return(nil, snapshot.ErrSnapshotMissing)
				m.EXPECT().Path().Return("/data/annotations.json")
			},
			op:      MoveObject("boat--airboat"),
			wantErr: "failed to load snapshot /data/annotations.json",
		},
		{
			name: "operation fails",
			setup: func(m *mocks.MockPersistence) {
				m.EXPECT().Load(gomock.Any()).Return(fixture(), nil)
			},
			op:      MoveImage("cats/1.jpg", false),
			wantErr: ErrImageNotFound.Error(),
		},
		{
			name: "backup fails",
			setup: func(m *mocks.MockPersistence) {
				m.EXPECT().Load(gomock.Any()).Return(fixture(), nil)
				m.EXPECT().Backup(gomock.Any(), "backups").Return("", errors.New("disk full"))
			},
			op:      MoveObject("boat--airboat"),
			wantErr: "failed to back up snapshot",
		},
		{
			name: "save fails",
			setup: func(m *mocks.MockPersistence) {
				m.EXPECT().Load(gomock.Any()).Return(fixture(), nil)
				m.EXPECT().Backup(gomock.Any(), "backups").Return("backups/b.json", nil)
				m.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("read-only file system"))
				m.EXPECT().Path().Return("/data/annotations.json")
			},
			op:      MoveObject("boat--airboat"),
			wantErr: "failed to save snapshot",
		},
		{
			name: "invalid result",
			setup: func(m *mocks.MockPersistence) {
				m.EXPECT().Load(gomock.Any()).Return(fixture(), nil)
			},
			op: func(st *annotation.State) (*Report, error) {
				st.Unchecked["boats/1.jpg"] = st.Checked["boats/1.jpg"]
				return &Report{Operation: "duplicate", Paths: []string{"boats/1.jpg"}}, nil
			},
			wantErr: "produced an invalid state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			m := mocks.NewMockPersistence(ctrl)
			tt.setup(m)

			_, err := NewEditor(m, "backups").Apply(context.Background(), tt.op, ApplyOptions{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
