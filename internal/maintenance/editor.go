package maintenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/partonomy/annotator/internal/annotation"
	"github.com/partonomy/annotator/internal/snapshot"
)

// Editor applies operations to a snapshot. Every write is preceded by a
// timestamped backup of the current snapshot.
type Editor struct {
	snap      snapshot.Persistence
	backupDir string
}

// ApplyOptions controls where the result of an operation goes
type ApplyOptions struct {
	// DryRun computes the report without backing up or saving
	DryRun bool

	// OutPath writes the result to another file instead of replacing the
	// snapshot
	OutPath string
}

// NewEditor creates an editor for snap. An empty backupDir keeps backups
// next to the snapshot.
func NewEditor(snap snapshot.Persistence, backupDir string) *Editor {
	return &Editor{snap: snap, backupDir: backupDir}
}

// Load reads the snapshot
func (e *Editor) Load(ctx context.Context) (*annotation.State, error) {
	st, err := e.snap.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", e.snap.Path(), err)
	}
	return st, nil
}

// Apply loads the snapshot, runs op and saves the result. Nothing is written
// when op fails or changes nothing.
func (e *Editor) Apply(ctx context.Context, op Operation, opts ApplyOptions) (*Report, error) {
	st, err := e.Load(ctx)
	if err != nil {
		return nil, err
	}

	report, err := op(st)
	if err != nil {
		return nil, err
	}
	if opts.DryRun || !report.Changed() {
		slog.Info("Snapshot left unchanged",
			"operation", report.Operation,
			"dry_run", opts.DryRun,
			"affected_images", len(report.Paths))
		return report, nil
	}

	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("operation %s produced an invalid state: %w", report.Operation, err)
	}

	backup, err := e.snap.Backup(ctx, e.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to back up snapshot: %w", err)
	}

	target := e.snap
	if opts.OutPath != "" && opts.OutPath != e.snap.Path() {
		target = snapshot.NewFileSnapshot(opts.OutPath)
	}
	if err := target.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to save snapshot %s: %w", target.Path(), err)
	}

	slog.Info("Snapshot updated",
		"operation", report.Operation,
		"target", target.Path(),
		"backup", backup,
		"affected_images", len(report.Paths))
	return report, nil
}
