package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/partonomy/annotator/internal/kv"
	"github.com/partonomy/annotator/internal/kv/mocks"
)

func fastOptions() Options {
	return Options{
		TTL:             time.Minute,
		BlockingTimeout: 200 * time.Millisecond,
		RetryTimes:      3,
		RetryDelay:      10 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recordingObserver) RecordLockWait(_ context.Context, _ string, _ string, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mode Mode
	}{
		{"blocking", Blocking},
		{"retry", Retry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			svc := NewService(kv.NewMemoryStore(), WithOptions(fastOptions()))

			h, err := svc.Acquire(ctx, ImageLockName("a.jpg"), tt.mode)
			require.NoError(t, err)
			assert.Equal(t, "image:a.jpg", h.Name)

			require.NoError(t, svc.Release(ctx, h))

			h2, err := svc.Acquire(ctx, ImageLockName("a.jpg"), tt.mode)
			require.NoError(t, err)
			require.NoError(t, svc.Release(ctx, h2))
		})
	}
}

func TestContentionOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mode        Mode
		wantStatus  Status
		wantErr     error
		minDuration time.Duration
	}{
		{
			name:        "blocking times out as conflict",
			mode:        Blocking,
			wantStatus:  StatusConflict,
			wantErr:     ErrConflict,
			minDuration: 150 * time.Millisecond,
		},
		{
			name:        "retry exhaustion is unavailable",
			mode:        Retry,
			wantStatus:  StatusUnavailable,
			wantErr:     ErrUnavailable,
			minDuration: 20 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			observer := &recordingObserver{}
			svc := NewService(kv.NewMemoryStore(), WithOptions(fastOptions()), WithWaitObserver(observer))

			holder, err := svc.Acquire(ctx, StateLockName, Blocking)
			require.NoError(t, err)
			defer func() { _ = svc.Release(ctx, holder) }()

			res := svc.TryAcquire(ctx, StateLockName, tt.mode)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Nil(t, res.Handle)
			assert.ErrorIs(t, res.Err, tt.wantErr)
			assert.GreaterOrEqual(t, res.Waited, tt.minDuration)

			observer.mu.Lock()
			defer observer.mu.Unlock()
			assert.Equal(t, []string{"acquired", tt.wantStatus.String()}, observer.statuses)
		})
	}
}

func TestBlockingAcquiresOnceReleased(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	opts := fastOptions()
	opts.BlockingTimeout = 2 * time.Second
	svc := NewService(kv.NewMemoryStore(), WithOptions(opts))

	holder, err := svc.Acquire(ctx, QueueLockName, Blocking)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = svc.Release(ctx, holder)
	}()

	h, err := svc.Acquire(ctx, QueueLockName, Blocking)
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, h))
}

func TestContextCancelledWhileBlocking(t *testing.T) {
	t.Parallel()

	opts := fastOptions()
	opts.BlockingTimeout = 10 * time.Second
	svc := NewService(kv.NewMemoryStore(), WithOptions(opts))

	_, err := svc.Acquire(context.Background(), StateLockName, Blocking)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = svc.Acquire(ctx, StateLockName, Blocking)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBackendFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	store.EXPECT().
		TryLock(gomock.Any(), StateLockName, gomock.Any(), time.Minute).
		Return(false, errors.New("connection refused")).
		Times(1)

	svc := NewService(store, WithOptions(fastOptions()))
	res := svc.TryAcquire(context.Background(), StateLockName, Blocking)

	assert.Equal(t, StatusUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnavailable)
}

func TestReleaseIsOwnerScoped(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := kv.NewMemoryStore(kv.WithClock(clock))
	svc := NewService(store, WithOptions(fastOptions()))
	ctx := context.Background()

	stale, err := svc.Acquire(ctx, ImageLockName("a.jpg"), Retry)
	require.NoError(t, err)

	// the holder stalls past the TTL and a second client takes over
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	fresh, err := svc.Acquire(ctx, ImageLockName("a.jpg"), Retry)
	require.NoError(t, err)

	// the stale release must leave the new owner's lock intact
	require.NoError(t, svc.Release(ctx, stale))
	res := svc.TryAcquire(ctx, ImageLockName("a.jpg"), Retry)
	assert.Equal(t, StatusUnavailable, res.Status)

	require.NoError(t, svc.Release(ctx, fresh))
}

func TestMutualExclusion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	opts := fastOptions()
	opts.BlockingTimeout = 5 * time.Second
	opts.PollInterval = time.Millisecond
	svc := NewService(kv.NewMemoryStore(), WithOptions(opts))

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := svc.Acquire(ctx, StateLockName, Blocking)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, svc.Release(ctx, h))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestReleaseAllIsLIFO(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	gomock.InOrder(
		store.EXPECT().TryLock(gomock.Any(), "image:a.jpg", gomock.Any(), gomock.Any()).Return(true, nil),
		store.EXPECT().TryLock(gomock.Any(), StateLockName, gomock.Any(), gomock.Any()).Return(true, nil),
		store.EXPECT().Unlock(gomock.Any(), StateLockName, gomock.Any()).Return(true, nil),
		store.EXPECT().Unlock(gomock.Any(), "image:a.jpg", gomock.Any()).Return(true, nil),
	)

	svc := NewService(store, WithOptions(fastOptions()))
	ctx := context.Background()

	image, err := svc.Acquire(ctx, ImageLockName("a.jpg"), Blocking)
	require.NoError(t, err)
	state, err := svc.Acquire(ctx, StateLockName, Blocking)
	require.NoError(t, err)

	svc.ReleaseAll(ctx, image, state)
}
