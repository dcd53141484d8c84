// Package lock provides named, TTL-bound mutual exclusion on top of the
// shared store.
//
// Every lock carries a time-to-live; expiry is the only recovery path when a
// holder crashes. Each acquisition generates a fresh owner token and release
// only succeeds for the token that acquired the lock, so a holder whose lock
// expired and was re-acquired by someone else cannot release the new owner's
// lock.
//
// Two acquisition modes exist:
//
//   - Blocking polls until the lock frees up or the blocking timeout elapses.
//     Timing out reports StatusConflict.
//   - Retry makes a bounded number of non-blocking attempts separated by a
//     fixed delay. Exhausting the attempts reports StatusUnavailable.
//
// Backend failures always report StatusUnavailable.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/partonomy/annotator/internal/kv"
)

const (
	// DefaultTTL bounds how long any lock may be held
	DefaultTTL = 300 * time.Second
	// DefaultBlockingTimeout bounds how long a blocking acquisition waits
	DefaultBlockingTimeout = 30 * time.Second
	// DefaultRetryTimes is the number of attempts in retry mode
	DefaultRetryTimes = 3
	// DefaultRetryDelay separates attempts in retry mode
	DefaultRetryDelay = time.Second
	// DefaultPollInterval separates attempts in blocking mode
	DefaultPollInterval = 100 * time.Millisecond
)

// Well-known lock names.
const (
	// StateLockName guards read-modify-write cycles of the annotation state
	StateLockName = "annotation_state"
	// QueueLockName guards queue rebuilds
	QueueLockName = "image_queue"
)

// ImageLockName returns the lock name guarding a single image.
func ImageLockName(imagePath string) string {
	return "image:" + imagePath
}

var (
	// ErrConflict is returned when the lock is held by someone else
	ErrConflict = errors.New("lock is held by another client")
	// ErrUnavailable is returned when the lock could not be obtained because the
	// backend failed or retries were exhausted
	ErrUnavailable = errors.New("lock service unavailable")

	errHeld = errors.New("lock held")
)

// Mode selects how an acquisition waits.
type Mode int

const (
	// Blocking waits up to the blocking timeout
	Blocking Mode = iota
	// Retry makes a bounded number of non-blocking attempts
	Retry
)

func (m Mode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Status is the outcome of an acquisition attempt.
type Status int

const (
	// StatusAcquired means the caller now holds the lock
	StatusAcquired Status = iota
	// StatusConflict means someone else holds the lock
	StatusConflict
	// StatusUnavailable means the lock could not be obtained for another reason
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusAcquired:
		return "acquired"
	case StatusConflict:
		return "conflict"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Handle identifies a held lock.
type Handle struct {
	Name       string
	token      string
	AcquiredAt time.Time
}

// Result describes an acquisition attempt. Handle is set only when Status is
// StatusAcquired; Err carries the cause of any other status.
type Result struct {
	Status Status
	Handle *Handle
	Err    error
	Waited time.Duration
}

// Acquired reports whether the lock was obtained.
func (r Result) Acquired() bool {
	return r.Status == StatusAcquired
}

// Options tunes the lock service
type Options struct {
	TTL             time.Duration
	BlockingTimeout time.Duration
	RetryTimes      int
	RetryDelay      time.Duration
	PollInterval    time.Duration
}

// DefaultOptions returns the standard lock settings
func DefaultOptions() Options {
	return Options{
		TTL:             DefaultTTL,
		BlockingTimeout: DefaultBlockingTimeout,
		RetryTimes:      DefaultRetryTimes,
		RetryDelay:      DefaultRetryDelay,
		PollInterval:    DefaultPollInterval,
	}
}

// WaitObserver is notified of how long each acquisition waited.
type WaitObserver interface {
	RecordLockWait(ctx context.Context, name string, mode string, status string, waited time.Duration)
}

// Service acquires and releases named locks.
type Service struct {
	store    kv.Store
	opts     Options
	observer WaitObserver
}

// Option configures a Service
type Option func(*Service)

// WithOptions overrides the lock settings. Zero fields keep their defaults.
func WithOptions(o Options) Option {
	return func(s *Service) {
		if o.TTL > 0 {
			s.opts.TTL = o.TTL
		}
		if o.BlockingTimeout > 0 {
			s.opts.BlockingTimeout = o.BlockingTimeout
		}
		if o.RetryTimes > 0 {
			s.opts.RetryTimes = o.RetryTimes
		}
		if o.RetryDelay > 0 {
			s.opts.RetryDelay = o.RetryDelay
		}
		if o.PollInterval > 0 {
			s.opts.PollInterval = o.PollInterval
		}
	}
}

// WithWaitObserver records acquisition wait times
func WithWaitObserver(o WaitObserver) Option {
	return func(s *Service) {
		s.observer = o
	}
}

// NewService creates a lock service over the shared store
func NewService(store kv.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		opts:  DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryAcquire attempts to take the named lock in the given mode.
func (s *Service) TryAcquire(ctx context.Context, name string, mode Mode) Result {
	start := time.Now()
	token := uuid.NewString()

	attempt := func() (*Handle, error) {
		ok, err := s.store.TryLock(ctx, name, token, s.opts.TTL)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrUnavailable, err))
		}
		if !ok {
			return nil, errHeld
		}
		return &Handle{Name: name, token: token, AcquiredAt: time.Now()}, nil
	}

	var retryOpts []backoff.RetryOption
	switch mode {
	case Retry:
		retryOpts = []backoff.RetryOption{
			backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.RetryDelay)),
			backoff.WithMaxTries(uint(max(s.opts.RetryTimes, 1))),
			backoff.WithMaxElapsedTime(0),
		}
	default:
		retryOpts = []backoff.RetryOption{
			backoff.WithBackOff(backoff.NewConstantBackOff(s.opts.PollInterval)),
			backoff.WithMaxElapsedTime(s.opts.BlockingTimeout),
		}
	}

	handle, err := backoff.Retry(ctx, attempt, retryOpts...)
	result := s.classify(name, mode, handle, err)
	result.Waited = time.Since(start)

	if s.observer != nil {
		s.observer.RecordLockWait(ctx, name, mode.String(), result.Status.String(), result.Waited)
	}
	return result
}

func (*Service) classify(name string, mode Mode, handle *Handle, err error) Result {
	switch {
	case err == nil:
		return Result{Status: StatusAcquired, Handle: handle}
	case errors.Is(err, ErrUnavailable):
		slog.Warn("Lock backend error", "lock", name, "error", err)
		return Result{Status: StatusUnavailable, Err: err}
	case errors.Is(err, errHeld) && mode == Retry:
		return Result{Status: StatusUnavailable, Err: fmt.Errorf("%w: retries exhausted for %s", ErrUnavailable, name)}
	case errors.Is(err, errHeld):
		return Result{Status: StatusConflict, Err: fmt.Errorf("%w: %s", ErrConflict, name)}
	default:
		// context cancelled or deadline exceeded while waiting
		return Result{Status: StatusConflict, Err: fmt.Errorf("%w: %s: %w", ErrConflict, name, err)}
	}
}

// Acquire takes the named lock, mapping every non-acquired outcome to an
// error wrapping ErrConflict or ErrUnavailable.
func (s *Service) Acquire(ctx context.Context, name string, mode Mode) (*Handle, error) {
	res := s.TryAcquire(ctx, name, mode)
	if res.Acquired() {
		return res.Handle, nil
	}
	return nil, res.Err
}

// Release frees a held lock. Releasing a lock that expired or was taken over
// is not an error; it is logged and ignored.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	released, err := s.store.Unlock(context.WithoutCancel(ctx), h.Name, h.token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", h.Name, err)
	}
	if !released {
		slog.Warn("Lock was no longer held at release",
			"lock", h.Name,
			"held_for", time.Since(h.AcquiredAt),
			"ttl", s.opts.TTL,
		)
	}
	return nil
}

// ReleaseAll releases handles in reverse order, logging failures.
func (s *Service) ReleaseAll(ctx context.Context, handles ...*Handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		if err := s.Release(ctx, handles[i]); err != nil {
			slog.Error("Failed to release lock", "lock", handles[i].Name, "error", err)
		}
	}
}

// TTL returns the configured lock time-to-live
func (s *Service) TTL() time.Duration {
	return s.opts.TTL
}
