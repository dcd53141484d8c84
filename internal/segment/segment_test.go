package segment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/partonomy/annotator/internal/httpclient"
	"github.com/partonomy/annotator/internal/rle"
	"github.com/partonomy/annotator/internal/segment"
	"github.com/partonomy/annotator/internal/segment/mocks"
)

func fixedSize(h, w int) segment.ImageSizer {
	return func(string) (int, int, error) { return h, w, nil }
}

func square() []rle.Point {
	return []rle.Point{{X: 1, Y: 1}, {X: 3, Y: 1}, {X: 3, Y: 3}, {X: 1, Y: 3}}
}

func prediction(logits string) *segment.Prediction {
	m := rle.NewMask(2, 2)
	m.Set(0, 0, true)
	return &segment.Prediction{Mask: rle.Encode(m), Score: 0.8, Logits: []byte(logits)}
}

func TestSegmentPolygon(t *testing.T) {
	t.Parallel()

	s := segment.NewSegmenter(nil, nil, segment.WithImageSizer(fixedSize(4, 4)))
	res, err := s.Segment(context.Background(), "sess", segment.Request{
		ImagePath: "a.jpg",
		PartName:  "boats--airboat--part:hull",
		Polygon:   square(),
	})
	require.NoError(t, err)
	assert.Equal(t, [2]int{4, 4}, res.Mask.Size)
	assert.Equal(t, int64(4), res.Area)
	assert.InDelta(t, 1.0, res.Score, 1e-9)

	mask, err := rle.Decode(res.Mask)
	require.NoError(t, err)
	assert.True(t, mask.At(1, 1))
	assert.True(t, mask.At(2, 2))
	assert.False(t, mask.At(0, 0))
	assert.False(t, mask.At(3, 3))
}

func TestSegmentInvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		session string
		req     segment.Request
		opts    []segment.Option
		wantErr error
	}{
		{
			name:    "missing session",
			req:     segment.Request{ImagePath: "a.jpg", Polygon: square()},
			wantErr: segment.ErrMissingSession,
		},
		{
			name:    "missing image",
			session: "s",
			req:     segment.Request{Polygon: square()},
			wantErr: segment.ErrInvalidPrompt,
		},
		{
			name:    "no prompt",
			session: "s",
			req:     segment.Request{ImagePath: "a.jpg", NegativePoints: []rle.Point{{X: 1, Y: 1}}},
			wantErr: segment.ErrInvalidPrompt,
		},
		{
			name:    "degenerate polygon",
			session: "s",
			req:     segment.Request{ImagePath: "a.jpg", Polygon: square()[:2]},
			opts:    []segment.Option{segment.WithImageSizer(fixedSize(4, 4))},
			wantErr: segment.ErrInvalidPrompt,
		},
		{
			name:    "polygon without known size",
			session: "s",
			req:     segment.Request{ImagePath: "a.jpg", Polygon: square()},
			wantErr: segment.ErrInvalidPrompt,
		},
		{
			name:    "points without predictor",
			session: "s",
			req:     segment.Request{ImagePath: "a.jpg", PositivePoints: []rle.Point{{X: 1, Y: 1}}},
			wantErr: segment.ErrPredictorUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := segment.NewSegmenter(nil, nil, tt.opts...).Segment(context.Background(), tt.session, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSegmentPointsReusesCachedLogits(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	predictor := mocks.NewMockPredictor(ctrl)
	s := segment.NewSegmenter(predictor, segment.NewSessionCache(16, time.Minute))
	ctx := context.Background()

	req := segment.Request{
		ImagePath:      "a.jpg",
		PartName:       "dog--terrier--part:ear",
		PositivePoints: []rle.Point{{X: 0.5, Y: 0.5}},
	}

	gomock.InOrder(
		predictor.EXPECT().Predict(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, r segment.PredictRequest) (*segment.Prediction, error) {
				assert.Nil(t, r.MaskInput)
				return prediction("first"), nil
			}),
		predictor.EXPECT().Predict(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, r segment.PredictRequest) (*segment.Prediction, error) {
				assert.Equal(t, []byte("first"), r.MaskInput)
				return prediction("second"), nil
			}),
		predictor.EXPECT().Predict(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, r segment.PredictRequest) (*segment.Prediction, error) {
				assert.Nil(t, r.MaskInput, "other sessions never see this session's logits")
				return prediction("other"), nil
			}),
		predictor.EXPECT().Predict(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, r segment.PredictRequest) (*segment.Prediction, error) {
				assert.Nil(t, r.MaskInput, "saving an image clears cached logits")
				return prediction("third"), nil
			}),
	)

	res, err := s.Segment(ctx, "alice", req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Area)

	_, err = s.Segment(ctx, "alice", req)
	require.NoError(t, err)

	_, err = s.Segment(ctx, "bob", req)
	require.NoError(t, err)

	assert.Equal(t, 2, s.InvalidateImage("a.jpg"))
	_, err = s.Segment(ctx, "alice", req)
	require.NoError(t, err)
}

func TestSegmentPredictorFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	predictor := mocks.NewMockPredictor(ctrl)
	predictor.EXPECT().Predict(gomock.Any(), gomock.Any()).
		Return(nil, errors.Join(segment.ErrPredictorUnavailable, errors.New("connection refused")))

	_, err := segment.NewSegmenter(predictor, nil).Segment(context.Background(), "s", segment.Request{
		ImagePath:      "a.jpg",
		PositivePoints: []rle.Point{{X: 1, Y: 1}},
	})
	assert.ErrorIs(t, err, segment.ErrPredictorUnavailable)
}

func TestSessionCache(t *testing.T) {
	t.Parallel()

	s := segment.NewSegmenter(nil, segment.NewSessionCache(16, time.Minute), segment.WithImageSizer(fixedSize(4, 4)))
	ctx := context.Background()
	for _, session := range []string{"alice", "bob"} {
		for _, img := range []string{"a.jpg", "b.jpg"} {
			_, err := s.Segment(ctx, session, segment.Request{ImagePath: img, Polygon: square()})
			require.NoError(t, err)
		}
	}

	assert.Equal(t, 2, s.ClearSession("alice"))
	assert.Equal(t, 1, s.InvalidateImage("a.jpg"))
	assert.Equal(t, 0, s.InvalidateImage("a.jpg"))
	assert.Equal(t, 1, s.ClearSession("bob"))
}

func TestSessionCacheExpires(t *testing.T) {
	t.Parallel()

	cache := segment.NewSessionCache(16, 50*time.Millisecond)
	s := segment.NewSegmenter(nil, cache, segment.WithImageSizer(fixedSize(4, 4)))

	_, err := s.Segment(context.Background(), "alice", segment.Request{ImagePath: "a.jpg", Polygon: square()})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.ClearSession("alice") == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRemotePredictor(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != segment.PredictPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req segment.PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImagePath == "broken.jpg" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if req.ImagePath == "empty.jpg" {
			_, _ = w.Write([]byte(`{"score": 0.1}`))
			return
		}
		_ = json.NewEncoder(w).Encode(prediction("logits"))
	}))
	defer server.Close()

	p := segment.NewRemotePredictor(server.URL+"/", httpclient.NewDefaultClient(5*time.Second))
	ctx := context.Background()

	pred, err := p.Predict(ctx, segment.PredictRequest{ImagePath: "a.jpg", PositivePoints: []rle.Point{{X: 1, Y: 1}}})
	require.NoError(t, err)
	assert.Equal(t, []byte("logits"), pred.Logits)
	assert.Equal(t, [2]int{2, 2}, pred.Mask.Size)

	_, err = p.Predict(ctx, segment.PredictRequest{ImagePath: "broken.jpg"})
	assert.ErrorIs(t, err, segment.ErrPredictorUnavailable)

	_, err = p.Predict(ctx, segment.PredictRequest{ImagePath: "empty.jpg"})
	assert.ErrorIs(t, err, segment.ErrPredictorUnavailable)
}
