package segment

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/partonomy/annotator/internal/annotation"
	"github.com/partonomy/annotator/internal/rle"
)

var (
	// ErrMissingSession is returned when a request carries no session id
	ErrMissingSession = errors.New("missing annotator session")
	// ErrInvalidPrompt is returned for requests without usable prompts
	ErrInvalidPrompt = errors.New("invalid segmentation prompt")
)

// Request is a segmentation prompt. Either Polygon or PositivePoints must be set.
type Request struct {
	ImagePath      string      `json:"image_path"`
	PartName       string      `json:"part_name,omitempty"`
	PositivePoints []rle.Point `json:"positive_points,omitempty"`
	NegativePoints []rle.Point `json:"negative_points,omitempty"`
	Polygon        []rle.Point `json:"polygon_points,omitempty"`

	// IgnoreCachedLogits predicts from the points alone
	IgnoreCachedLogits bool `json:"ignore_cached_logits,omitempty"`
}

// Result is the mask produced for a Request
type Result struct {
	Mask  annotation.RLE `json:"mask"`
	Score float64        `json:"score"`
	Area  int64          `json:"area"`
}

// ImageSizer reports the height and width of an image
type ImageSizer func(imagePath string) (height, width int, err error)

// DirImageSizer reads image dimensions from files under dir
func DirImageSizer(dir string) ImageSizer {
	return func(imagePath string) (int, int, error) {
		p := imagePath
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		// #nosec G304 -- image paths come from the annotation state
		f, err := os.Open(p)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to open image %s: %w", imagePath, err)
		}
		defer func() {
			_ = f.Close()
		}()

		cfg, _, err := image.DecodeConfig(f)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read image size of %s: %w", imagePath, err)
		}
		return cfg.Height, cfg.Width, nil
	}
}

// Segmenter serves segmentation prompts for annotator sessions
type Segmenter struct {
	predictor Predictor
	cache     *SessionCache
	sizer     ImageSizer
}

// Option configures a Segmenter
type Option func(*Segmenter)

// WithImageSizer sets how image dimensions are resolved for polygon prompts
func WithImageSizer(sizer ImageSizer) Option {
	return func(s *Segmenter) {
		s.sizer = sizer
	}
}

// NewSegmenter creates a segmenter. A nil predictor limits it to polygon prompts.
func NewSegmenter(predictor Predictor, cache *SessionCache, opts ...Option) *Segmenter {
	if cache == nil {
		cache = NewSessionCache(DefaultCacheSize, DefaultCacheTTL)
	}
	s := &Segmenter{predictor: predictor, cache: cache}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Segment produces a mask for req on behalf of session
func (s *Segmenter) Segment(ctx context.Context, session string, req Request) (*Result, error) {
	if session == "" {
		return nil, ErrMissingSession
	}
	if req.ImagePath == "" {
		return nil, fmt.Errorf("%w: image_path is required", ErrInvalidPrompt)
	}

	e := s.cache.get(session, req.ImagePath)
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		pred *Prediction
		err  error
	)
	switch {
	case len(req.Polygon) > 0:
		pred, err = s.polygon(e, req)
	case len(req.PositivePoints) > 0:
		pred, err = s.points(ctx, e, req)
	default:
		return nil, fmt.Errorf("%w: a polygon or at least one positive point is required", ErrInvalidPrompt)
	}
	if err != nil {
		return nil, err
	}

	if req.PartName != "" {
		e.parts[req.PartName] = pred
	}

	area, err := rle.Area(pred.Mask)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPredictorUnavailable, err)
	}
	return &Result{Mask: pred.Mask, Score: pred.Score, Area: area}, nil
}

func (s *Segmenter) polygon(e *entry, req Request) (*Prediction, error) {
	if e.height == 0 || e.width == 0 {
		if s.sizer == nil {
			return nil, fmt.Errorf("%w: image size unknown", ErrInvalidPrompt)
		}
		h, w, err := s.sizer(req.ImagePath)
		if err != nil {
			return nil, err
		}
		e.height, e.width = h, w
	}

	mask, err := rle.FromPolygon(req.Polygon, e.height, e.width)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrompt, err)
	}
	return &Prediction{Mask: rle.Encode(mask), Score: 1}, nil
}

func (s *Segmenter) points(ctx context.Context, e *entry, req Request) (*Prediction, error) {
	if s.predictor == nil {
		return nil, fmt.Errorf("%w: point prompts are disabled", ErrPredictorUnavailable)
	}

	preq := PredictRequest{
		ImagePath:      req.ImagePath,
		PositivePoints: req.PositivePoints,
		NegativePoints: req.NegativePoints,
	}
	if prev, ok := e.parts[req.PartName]; ok && req.PartName != "" && !req.IgnoreCachedLogits {
		preq.MaskInput = prev.Logits
	}

	pred, err := s.predictor.Predict(ctx, preq)
	if err != nil {
		return nil, err
	}
	if e.height == 0 || e.width == 0 {
		e.height, e.width = pred.Mask.Size[0], pred.Mask.Size[1]
	}

	slog.Debug("Segmentation prediction",
		"image_path", req.ImagePath,
		"part", req.PartName,
		"score", pred.Score,
		"refined", preq.MaskInput != nil,
	)
	return pred, nil
}

// InvalidateImage drops every session's cached work on an image
func (s *Segmenter) InvalidateImage(imagePath string) int {
	return s.cache.InvalidateImage(imagePath)
}

// ClearSession drops every cached entry of a session
func (s *Segmenter) ClearSession(session string) int {
	return s.cache.ClearSession(session)
}
