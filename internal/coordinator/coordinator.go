package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/partonomy/annotator/internal/annotation"
	"github.com/partonomy/annotator/internal/kv"
	"github.com/partonomy/annotator/internal/lock"
	"github.com/partonomy/annotator/internal/otel"
	"github.com/partonomy/annotator/internal/queue"
	"github.com/partonomy/annotator/internal/state"
	"github.com/partonomy/annotator/internal/telemetry"
)

//go:generate mockgen -destination=mocks/mock_coordinator.go -package=mocks -source=coordinator.go Coordinator

// QueueKey is the shared store list holding the work queue
const QueueKey = "image_queue"

// Coordinator is the annotation workflow
type Coordinator interface {
	// Initialize loads the annotation state from the snapshot or raw sources
	// and publishes a fresh work queue. It returns the queue length.
	Initialize(ctx context.Context) (int, error)

	// Claim hands out the next image to annotate, or nil when the queue is
	// exhausted.
	Claim(ctx context.Context) (*annotation.ImageAnnotation, error)

	// Save moves an annotated image to the checked collection.
	Save(ctx context.Context, img annotation.ImageAnnotation) error

	// UpdateQuality applies quality flags to every part of an image.
	UpdateQuality(ctx context.Context, update annotation.QualityUpdate) (*annotation.ImageAnnotation, error)

	// Reload rebuilds the work queue. With rehydrate set, the state is
	// first reloaded from the snapshot, picking up offline edits.
	Reload(ctx context.Context, rehydrate bool) (int, error)

	// ReturnImage puts an unchecked image back at the tail of the queue.
	ReturnImage(ctx context.Context, imagePath string) error

	// State returns the full annotation state.
	State(ctx context.Context) (*annotation.State, error)

	// Image returns a single image annotation.
	Image(ctx context.Context, imagePath string) (*ImageView, error)

	// Stats summarizes annotation progress.
	Stats(ctx context.Context) (*Stats, error)

	// Ready reports whether the shared store is reachable and holds a state.
	Ready(ctx context.Context) error
}

// Invalidator drops cached derived data of an image after it is saved
type Invalidator interface {
	InvalidateImage(imagePath string) int
}

// ImageView is an image annotation together with its collection
type ImageView struct {
	annotation.ImageAnnotation
	Checked bool `json:"checked"`
}

// CategoryStats is the progress of one balancing category
type CategoryStats struct {
	Name      string `json:"name"`
	Checked   int    `json:"checked"`
	Unchecked int    `json:"unchecked"`
}

// Stats summarizes annotation progress
type Stats struct {
	TotalImages        int             `json:"total_images"`
	CheckedImages      int             `json:"checked_images"`
	UncheckedImages    int             `json:"unchecked_images"`
	ProgressPercentage int             `json:"progress_percentage"`
	QueueLength        int64           `json:"queue_length"`
	Categories         []CategoryStats `json:"categories"`
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	store  kv.Store
	states state.Service
	locks  *lock.Service

	queueOpts   queue.Options
	invalidator Invalidator

	metrics *telemetry.CoordinatorMetrics
	tracer  trace.Tracer
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithQueueOptions sets the queue balancing strategy and batch size
func WithQueueOptions(opts queue.Options) Option {
	return func(c *defaultCoordinator) {
		c.queueOpts = opts
	}
}

// WithInvalidator sets the cache invalidated after each save
func WithInvalidator(inv Invalidator) Option {
	return func(c *defaultCoordinator) {
		c.invalidator = inv
	}
}

// WithMetrics sets the coordinator metrics
func WithMetrics(metrics *telemetry.CoordinatorMetrics) Option {
	return func(c *defaultCoordinator) {
		c.metrics = metrics
	}
}

// WithTracer sets the tracer used for coordinator spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *defaultCoordinator) {
		c.tracer = tracer
	}
}

// New creates a new coordinator with injected dependencies
func New(store kv.Store, states state.Service, locks *lock.Service, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		store:  store,
		states: states,
		locks:  locks,
		queueOpts: queue.Options{
			Strategy:  queue.StrategyDeferred,
			BatchSize: queue.DefaultBatchSize,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *defaultCoordinator) observe(ctx context.Context, operation string, start time.Time, err error) {
	c.metrics.RecordOperation(ctx, operation, outcome(err), time.Since(start))
}

// Initialize implements Coordinator
func (c *defaultCoordinator) Initialize(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, "initialize", start, err) }()

	return c.rebuild(ctx, "coordinator.Initialize", true)
}

// Reload implements Coordinator
func (c *defaultCoordinator) Reload(ctx context.Context, rehydrate bool) (n int, err error) {
	start := time.Now()
	defer func() { c.observe(ctx, "reload", start, err) }()

	return c.rebuild(ctx, "coordinator.Reload", rehydrate)
}

// rebuild holds the queue lock and the state lock while it re-reads the
// state and republishes the queue. Both locks must be held or nothing is
// rebuilt.
func (c *defaultCoordinator) rebuild(ctx context.Context, spanName string, rehydrate bool) (int, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, spanName,
		trace.WithAttributes(otel.AttrStrategy.String(string(c.queueOpts.Strategy))),
	)
	defer span.End()

	queueLock, err := c.locks.Acquire(ctx, lock.QueueLockName, lock.Blocking)
	if err != nil {
		otel.RecordError(span, err)
		return 0, fmt.Errorf("%w: could not obtain queue lock: %w", ErrServiceUnavailable, err)
	}
	stateLock, err := c.locks.Acquire(ctx, lock.StateLockName, lock.Blocking)
	if err != nil {
		c.locks.ReleaseAll(ctx, queueLock)
		otel.RecordError(span, err)
		return 0, fmt.Errorf("%w: could not obtain state lock: %w", ErrServiceUnavailable, err)
	}
	defer c.locks.ReleaseAll(ctx, queueLock, stateLock)

	var st *annotation.State
	if rehydrate {
		st, err = c.states.Load(ctx)
	} else {
		st, err = c.states.GetState(ctx)
		if err == nil {
			err = c.states.ClearCompleted(ctx, st.UncheckedPaths()...)
		}
	}
	if err != nil {
		otel.RecordError(span, err)
		return 0, classify(err)
	}

	n, err := c.publish(ctx, st)
	if err != nil {
		otel.RecordError(span, err)
		return 0, err
	}

	span.SetAttributes(otel.AttrQueueLength.Int(n))
	slog.Info("Work queue rebuilt",
		"length", n,
		"checked", len(st.Checked),
		"unchecked", len(st.Unchecked),
		"strategy", c.queueOpts.Strategy,
		"rehydrated", rehydrate,
	)
	return n, nil
}

// publish replaces the shared queue with a freshly built one. Each entry is
// the JSON of the queued image annotation.
func (c *defaultCoordinator) publish(ctx context.Context, st *annotation.State) (int, error) {
	paths := queue.Build(st, c.queueOpts)
	entries := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := json.Marshal(st.Unchecked[p])
		if err != nil {
			return 0, fmt.Errorf("failed to encode queue entry %s: %w", p, err)
		}
		entries = append(entries, data)
	}

	if err := c.store.ReplaceList(ctx, QueueKey, entries); err != nil {
		return 0, fmt.Errorf("%w: failed to publish work queue: %w", ErrServiceUnavailable, err)
	}

	c.metrics.RecordQueueLength(ctx, int64(len(entries)))
	c.metrics.RecordProgress(ctx, int64(len(st.Checked)), int64(len(st.Unchecked)))
	return len(entries), nil
}

// Claim implements Coordinator. Entries whose image lock cannot be taken or
// that were already annotated are dropped from the queue; they stay
// unchecked and come back on the next rebuild. The image lock is released
// before returning.
func (c *defaultCoordinator) Claim(ctx context.Context) (img *annotation.ImageAnnotation, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.Claim")
	defer span.End()

	skipped := 0
	defer func() {
		span.SetAttributes(otel.AttrSkipped.Int(skipped))
		if err == nil && img == nil {
			c.metrics.RecordOperation(ctx, "claim", telemetry.OutcomeExhausted, time.Since(start))
			return
		}
		otel.RecordError(span, err)
		c.observe(ctx, "claim", start, err)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := c.store.PopFront(ctx, QueueKey)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to pop work queue: %w", ErrServiceUnavailable, err)
		}

		var entry annotation.ImageAnnotation
		if err := json.Unmarshal(data, &entry); err != nil || entry.ImagePath == "" {
			slog.Warn("Skipping malformed queue entry", "error", err)
			c.metrics.RecordClaimSkip(ctx, "malformed")
			skipped++
			continue
		}

		res := c.locks.TryAcquire(ctx, lock.ImageLockName(entry.ImagePath), lock.Retry)
		if !res.Acquired() {
			if ctx.Err() != nil {
				c.requeue(ctx, data, entry.ImagePath)
				return nil, ctx.Err()
			}
			slog.Warn("Could not acquire image lock, skipping",
				"image_path", entry.ImagePath,
				"status", res.Status.String(),
				"error", res.Err,
			)
			c.metrics.RecordClaimSkip(ctx, "locked")
			skipped++
			continue
		}

		done, err := c.states.IsCompleted(ctx, entry.ImagePath)
		c.locks.ReleaseAll(ctx, res.Handle)
		if err != nil {
			c.requeue(ctx, data, entry.ImagePath)
			return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
		}
		if done {
			c.metrics.RecordClaimSkip(ctx, "completed")
			skipped++
			continue
		}

		if entry.Parts == nil {
			entry.Parts = map[string]annotation.PartAnnotation{}
		}
		span.SetAttributes(
			otel.AttrImagePath.String(entry.ImagePath),
			otel.AttrPartCount.Int(len(entry.Parts)),
		)
		return &entry, nil
	}
}

// requeue puts a popped entry back at the tail of the queue, best effort.
func (c *defaultCoordinator) requeue(ctx context.Context, data []byte, imagePath string) {
	if err := c.store.PushBack(context.WithoutCancel(ctx), QueueKey, data); err != nil {
		slog.Error("Failed to return image to queue", "image_path", imagePath, "error", err)
	}
}

// withImageAndStateLocks runs fn while holding the image lock and the state
// lock, both in blocking mode, taken in that order and released in reverse.
func (c *defaultCoordinator) withImageAndStateLocks(
	ctx context.Context,
	imagePath string,
	fn func(ctx context.Context) error,
) error {
	imageLock, err := c.locks.Acquire(ctx, lock.ImageLockName(imagePath), lock.Blocking)
	if err != nil {
		return classify(err)
	}
	stateLock, err := c.locks.Acquire(ctx, lock.StateLockName, lock.Blocking)
	if err != nil {
		c.locks.ReleaseAll(ctx, imageLock)
		return classify(err)
	}
	defer c.locks.ReleaseAll(ctx, imageLock, stateLock)

	return classify(fn(ctx))
}

// Save implements Coordinator
func (c *defaultCoordinator) Save(ctx context.Context, img annotation.ImageAnnotation) (err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.Save",
		trace.WithAttributes(
			otel.AttrImagePath.String(img.ImagePath),
			otel.AttrPartCount.Int(len(img.Parts)),
		),
	)
	defer func() {
		otel.RecordOutcome(span, err, ErrConflict, ErrInvalidAnnotation)
		span.End()
		c.observe(ctx, "save", start, err)
	}()

	if err := validateAnnotation(&img); err != nil {
		return err
	}

	err = c.withImageAndStateLocks(ctx, img.ImagePath, func(ctx context.Context) error {
		st, err := c.states.GetState(ctx)
		if err != nil {
			return err
		}
		st.MarkChecked(img)
		if err := c.states.SaveState(ctx, st, true); err != nil {
			return err
		}
		c.metrics.RecordProgress(ctx, int64(len(st.Checked)), int64(len(st.Unchecked)))
		return c.states.MarkCompleted(ctx, img.ImagePath)
	})
	if err != nil {
		return err
	}

	if c.invalidator != nil {
		if n := c.invalidator.InvalidateImage(img.ImagePath); n > 0 {
			slog.Debug("Invalidated segmentation cache", "image_path", img.ImagePath, "entries", n)
		}
	}
	slog.Info("Annotation saved", "image_path", img.ImagePath, "parts", len(img.Parts))
	return nil
}

// validateAnnotation rejects annotations without a path or without parts
// and fills in part names from their labels.
func validateAnnotation(img *annotation.ImageAnnotation) error {
	if img.ImagePath == "" {
		return fmt.Errorf("%w: image_path is required", ErrInvalidAnnotation)
	}
	if len(img.Parts) == 0 {
		return fmt.Errorf("%w: %s has no parts", ErrInvalidAnnotation, img.ImagePath)
	}
	for label, part := range img.Parts {
		if label == "" {
			return fmt.Errorf("%w: %s has a part without a label", ErrInvalidAnnotation, img.ImagePath)
		}
		if part.Name == "" {
			part.Name = label
		}
		if part.RLEs == nil {
			part.RLEs = []annotation.RLE{}
		}
		img.Parts[label] = part
	}
	return nil
}

// UpdateQuality implements Coordinator
func (c *defaultCoordinator) UpdateQuality(
	ctx context.Context,
	update annotation.QualityUpdate,
) (updated *annotation.ImageAnnotation, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, c.tracer, "coordinator.UpdateQuality",
		trace.WithAttributes(otel.AttrImagePath.String(update.ImagePath)),
	)
	defer func() {
		otel.RecordOutcome(span, err, ErrConflict, ErrNotFound, ErrInvalidAnnotation)
		span.End()
		c.observe(ctx, "update_quality", start, err)
	}()

	if update.ImagePath == "" {
		return nil, fmt.Errorf("%w: image_path is required", ErrInvalidAnnotation)
	}

	err = c.withImageAndStateLocks(ctx, update.ImagePath, func(ctx context.Context) error {
		st, err := c.states.GetState(ctx)
		if err != nil {
			return err
		}
		img, coll, ok := st.Locate(update.ImagePath)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, update.ImagePath)
		}

		update.Apply(&img)
		if coll == annotation.CollectionChecked {
			st.Checked[img.ImagePath] = img
		} else {
			st.Unchecked[img.ImagePath] = img
		}
		span.SetAttributes(otel.AttrCollection.String(string(coll)))

		if err := c.states.SaveState(ctx, st, true); err != nil {
			return err
		}
		updated = &img
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ReturnImage implements Coordinator. Checked images are left alone.
func (c *defaultCoordinator) ReturnImage(ctx context.Context, imagePath string) (err error) {
	start := time.Now()
	defer func() { c.observe(ctx, "return", start, err) }()

	queueLock, err := c.locks.Acquire(ctx, lock.QueueLockName, lock.Retry)
	if err != nil {
		return classify(err)
	}
	defer c.locks.ReleaseAll(ctx, queueLock)

	st, err := c.states.GetState(ctx)
	if err != nil {
		return classify(err)
	}
	img, coll, ok := st.Locate(imagePath)
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrNotFound, imagePath)
	case coll == annotation.CollectionChecked:
		return nil
	}

	data, err := json.Marshal(img)
	if err != nil {
		return fmt.Errorf("failed to encode queue entry %s: %w", imagePath, err)
	}
	if err := c.store.PushBack(ctx, QueueKey, data); err != nil {
		return fmt.Errorf("%w: failed to return image to queue: %w", ErrServiceUnavailable, err)
	}
	slog.Info("Image returned to queue", "image_path", imagePath)
	return nil
}

// State implements Coordinator
func (c *defaultCoordinator) State(ctx context.Context) (*annotation.State, error) {
	st, err := c.states.GetState(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return st, nil
}

// Image implements Coordinator
func (c *defaultCoordinator) Image(ctx context.Context, imagePath string) (*ImageView, error) {
	st, err := c.states.GetState(ctx)
	if err != nil {
		return nil, classify(err)
	}
	img, coll, ok := st.Locate(imagePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, imagePath)
	}
	return &ImageView{ImageAnnotation: img, Checked: coll == annotation.CollectionChecked}, nil
}

// Stats implements Coordinator
func (c *defaultCoordinator) Stats(ctx context.Context) (*Stats, error) {
	st, err := c.states.GetState(ctx)
	if err != nil {
		return nil, classify(err)
	}
	length, err := c.store.ListLen(ctx, QueueKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read queue length: %w", ErrServiceUnavailable, err)
	}

	stats := &Stats{
		TotalImages:     st.Total(),
		CheckedImages:   len(st.Checked),
		UncheckedImages: len(st.Unchecked),
		QueueLength:     length,
		Categories:      categoryStats(st),
	}
	if stats.TotalImages > 0 {
		stats.ProgressPercentage = int(math.Round(float64(stats.CheckedImages) / float64(stats.TotalImages) * 100))
	}
	return stats, nil
}

func categoryStats(st *annotation.State) []CategoryStats {
	byName := map[string]*CategoryStats{}
	get := func(name string) *CategoryStats {
		cs, ok := byName[name]
		if !ok {
			cs = &CategoryStats{Name: name}
			byName[name] = cs
		}
		return cs
	}
	for _, img := range st.Checked {
		get(queue.CategoryOf(img)).Checked++
	}
	for _, img := range st.Unchecked {
		get(queue.CategoryOf(img)).Unchecked++
	}

	out := make([]CategoryStats, 0, len(byName))
	for _, cs := range byName {
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready implements Coordinator
func (c *defaultCoordinator) Ready(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	ok, err := c.store.Exists(ctx, state.StateKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	if !ok {
		return ErrStateMissing
	}
	return nil
}
