// Package state manages the annotation state: a single JSON document cached
// in the shared store, mirrored to a durable snapshot on disk, plus a
// per-image completion flag used by the claim hot path.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/partonomy/annotator/internal/annotation"
	"github.com/partonomy/annotator/internal/kv"
	"github.com/partonomy/annotator/internal/snapshot"
	"github.com/partonomy/annotator/internal/sources"
)

// Keys in the shared store.
const (
	// StateKey holds the serialized annotation state
	StateKey = "annotation_state"
	// ImageLabelsKey holds the image path to object label lookup table
	ImageLabelsKey = "img_path_to_label"
	// ObjectPartsKey holds the object label to expected parts lookup table
	ObjectPartsKey = "object_parts"
	// CompletedKeyPrefix prefixes per-image completion flags
	CompletedKeyPrefix = "annotated:"
)

var (
	// ErrStateMissing is returned when the shared store holds no state
	ErrStateMissing = errors.New("annotation state not found")
	// ErrStateCorrupt is returned when the cached state does not parse
	ErrStateCorrupt = errors.New("annotation state is corrupt")
)

// CompletedKey returns the completion flag key of an image
func CompletedKey(imagePath string) string {
	return CompletedKeyPrefix + imagePath
}

// Lookups are the side tables refreshed on every load
type Lookups struct {
	ImageLabels map[string]string   `json:"image_labels"`
	ObjectParts map[string][]string `json:"object_parts"`
}

// Service is the annotation state store contract
type Service interface {
	// GetState reads the current state from the shared store.
	GetState(ctx context.Context) (*annotation.State, error)
	// SaveState overwrites the cached state and, when persist is set, the
	// durable snapshot. The two writes are not transactional.
	SaveState(ctx context.Context, st *annotation.State, persist bool) error
	// Load hydrates the shared store from the snapshot or bootstraps a fresh
	// state from raw sources.
	Load(ctx context.Context) (*annotation.State, error)
	// MarkCompleted sets the completion flag of an image.
	MarkCompleted(ctx context.Context, imagePath string) error
	// IsCompleted reports whether the completion flag of an image is set.
	IsCompleted(ctx context.Context, imagePath string) (bool, error)
	// ClearCompleted removes completion flags of the given images.
	ClearCompleted(ctx context.Context, imagePaths ...string) error
	// GetLookups returns the side tables written by the last load.
	GetLookups(ctx context.Context) (*Lookups, error)
}

// PersistObserver is notified of snapshot write durations
type PersistObserver interface {
	RecordPersist(ctx context.Context, duration time.Duration, success bool)
}

// Store implements Service over the shared store and a snapshot
type Store struct {
	kv        kv.Store
	snapshot  snapshot.Persistence
	collector sources.Collector
	observer  PersistObserver
}

var _ Service = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithCollector sets the raw source collector used for bootstrapping
func WithCollector(c sources.Collector) Option {
	return func(s *Store) {
		s.collector = c
	}
}

// WithPersistObserver records snapshot write durations
func WithPersistObserver(o PersistObserver) Option {
	return func(s *Store) {
		s.observer = o
	}
}

// NewStore creates a state store
func NewStore(store kv.Store, snap snapshot.Persistence, opts ...Option) *Store {
	s := &Store{kv: store, snapshot: snap}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetState implements Service
func (s *Store) GetState(ctx context.Context) (*annotation.State, error) {
	data, err := s.kv.Get(ctx, StateKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrStateMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read annotation state: %w", err)
	}

	var st annotation.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStateCorrupt, err)
	}
	st.Normalize()
	return &st, nil
}

// SaveState implements Service
func (s *Store) SaveState(ctx context.Context, st *annotation.State, persist bool) error {
	if err := st.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal annotation state: %w", err)
	}
	if err := s.kv.Set(ctx, StateKey, data); err != nil {
		return fmt.Errorf("failed to cache annotation state: %w", err)
	}

	if !persist {
		return nil
	}

	start := time.Now()
	err = s.snapshot.Save(ctx, st)
	if s.observer != nil {
		s.observer.RecordPersist(ctx, time.Since(start), err == nil)
	}
	if err != nil {
		return fmt.Errorf("failed to persist annotation state: %w", err)
	}
	return nil
}

// Load implements Service. An existing snapshot is the sole source of truth;
// a missing or corrupt one triggers a bootstrap from raw sources.
func (s *Store) Load(ctx context.Context) (*annotation.State, error) {
	var ds *sources.Dataset
	if s.collector != nil {
		var err error
		ds, err = s.collector.Collect(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to collect raw sources: %w", err)
		}
	}

	st, err := s.snapshot.Load(ctx)
	persist := false
	switch {
	case err == nil:
		slog.Info("Loaded annotation snapshot",
			"path", s.snapshot.Path(),
			"checked", len(st.Checked),
			"unchecked", len(st.Unchecked),
		)
	case errors.Is(err, snapshot.ErrSnapshotMissing):
		slog.Info("No annotation snapshot found, bootstrapping from raw sources", "path", s.snapshot.Path())
		st = Bootstrap(ds)
		persist = true
	case errors.Is(err, snapshot.ErrSnapshotCorrupt):
		moved, qerr := s.snapshot.Quarantine(ctx)
		slog.Warn("Annotation snapshot is corrupt, bootstrapping from raw sources",
			"path", s.snapshot.Path(),
			"moved_to", moved,
			"error", err,
			"quarantine_error", qerr,
		)
		st = Bootstrap(ds)
		persist = qerr == nil
	default:
		return nil, fmt.Errorf("failed to load annotation snapshot: %w", err)
	}

	if err := s.SaveState(ctx, st, persist); err != nil {
		return nil, err
	}
	if err := s.saveLookups(ctx, ds, st); err != nil {
		return nil, err
	}
	if err := s.ClearCompleted(ctx, st.UncheckedPaths()...); err != nil {
		return nil, err
	}
	return st, nil
}

// Bootstrap builds a fresh state from raw sources. Only part labels are
// imported and images without any part label are dropped.
func Bootstrap(ds *sources.Dataset) *annotation.State {
	st := annotation.NewState()
	if ds == nil {
		return st
	}

	for path, labels := range ds.Images {
		img := annotation.ImageAnnotation{
			ImagePath: path,
			Parts:     map[string]annotation.PartAnnotation{},
		}
		for label, rles := range labels {
			if !annotation.IsPartLabel(label) && !ds.IsPart(label) {
				continue
			}
			img.Parts[label] = annotation.NewPartAnnotation(label, append([]annotation.RLE(nil), rles...))
		}
		if len(img.Parts) == 0 {
			continue
		}
		st.Unchecked[path] = img
	}

	slog.Info("Bootstrapped annotation state",
		"images", len(ds.Images),
		"unchecked", len(st.Unchecked),
	)
	return st
}

func (s *Store) saveLookups(ctx context.Context, ds *sources.Dataset, st *annotation.State) error {
	lookups := Lookups{
		ImageLabels: map[string]string{},
		ObjectParts: map[string][]string{},
	}
	if ds != nil {
		lookups.ImageLabels = ds.ImageLabels
		lookups.ObjectParts = ds.ObjectParts
	} else {
		// derive what we can from the state itself
		for _, coll := range []map[string]annotation.ImageAnnotation{st.Checked, st.Unchecked} {
			for path, img := range coll {
				object := img.ObjectLabel()
				lookups.ImageLabels[path] = object
				for _, label := range img.SortedLabels() {
					lookups.ObjectParts[annotation.ObjectPrefix(label)] = appendUnique(
						lookups.ObjectParts[annotation.ObjectPrefix(label)], label)
				}
			}
		}
	}

	labels, err := json.Marshal(lookups.ImageLabels)
	if err != nil {
		return fmt.Errorf("failed to marshal image labels: %w", err)
	}
	parts, err := json.Marshal(lookups.ObjectParts)
	if err != nil {
		return fmt.Errorf("failed to marshal object parts: %w", err)
	}
	if err := s.kv.Set(ctx, ImageLabelsKey, labels); err != nil {
		return fmt.Errorf("failed to cache image labels: %w", err)
	}
	if err := s.kv.Set(ctx, ObjectPartsKey, parts); err != nil {
		return fmt.Errorf("failed to cache object parts: %w", err)
	}
	return nil
}

// GetLookups implements Service
func (s *Store) GetLookups(ctx context.Context) (*Lookups, error) {
	out := &Lookups{}

	labels, err := s.kv.Get(ctx, ImageLabelsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrStateMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image labels: %w", err)
	}
	if err := json.Unmarshal(labels, &out.ImageLabels); err != nil {
		return nil, fmt.Errorf("%w: image labels: %w", ErrStateCorrupt, err)
	}

	parts, err := s.kv.Get(ctx, ObjectPartsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrStateMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object parts: %w", err)
	}
	if err := json.Unmarshal(parts, &out.ObjectParts); err != nil {
		return nil, fmt.Errorf("%w: object parts: %w", ErrStateCorrupt, err)
	}
	return out, nil
}

// MarkCompleted implements Service
func (s *Store) MarkCompleted(ctx context.Context, imagePath string) error {
	if err := s.kv.Set(ctx, CompletedKey(imagePath), []byte("1")); err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", imagePath, err)
	}
	return nil
}

// IsCompleted implements Service
func (s *Store) IsCompleted(ctx context.Context, imagePath string) (bool, error) {
	ok, err := s.kv.Exists(ctx, CompletedKey(imagePath))
	if err != nil {
		return false, fmt.Errorf("failed to check completion of %s: %w", imagePath, err)
	}
	return ok, nil
}

// ClearCompleted implements Service
func (s *Store) ClearCompleted(ctx context.Context, imagePaths ...string) error {
	const batch = 500
	for start := 0; start < len(imagePaths); start += batch {
		end := min(start+batch, len(imagePaths))
		keys := make([]string, 0, end-start)
		for _, p := range imagePaths[start:end] {
			keys = append(keys, CompletedKey(p))
		}
		if err := s.kv.Delete(ctx, keys...); err != nil {
			return fmt.Errorf("failed to clear completion flags: %w", err)
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
