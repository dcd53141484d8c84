// Package segment is the interactive segmentation collaborator. It forwards
// point prompts to a remote model server, rasterizes polygon prompts locally
// and keeps a per-session cache of the last prediction of every part.
package segment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/partonomy/annotator/internal/annotation"
	"github.com/partonomy/annotator/internal/httpclient"
	"github.com/partonomy/annotator/internal/rle"
)

//go:generate mockgen -destination=mocks/mock_predictor.go -package=mocks -source=predictor.go Predictor

// PredictPath is appended to the model server endpoint
const PredictPath = "/predict"

// ErrPredictorUnavailable is returned when the model server cannot be reached
var ErrPredictorUnavailable = errors.New("segmentation model unavailable")

// PredictRequest is a point prompt for one image
type PredictRequest struct {
	ImagePath      string      `json:"image_path"`
	PositivePoints []rle.Point `json:"positive_points"`
	NegativePoints []rle.Point `json:"negative_points"`

	// MaskInput carries the logits of a previous prediction for the same
	// part, used to refine the new mask
	MaskInput []byte `json:"mask_input,omitempty"`
}

// Prediction is the best mask returned by the model
type Prediction struct {
	Mask  annotation.RLE `json:"mask"`
	Score float64        `json:"score"`

	// Logits is opaque model state fed back through MaskInput
	Logits []byte `json:"logits,omitempty"`
}

// Predictor turns point prompts into masks
type Predictor interface {
	Predict(ctx context.Context, req PredictRequest) (*Prediction, error)
}

// RemotePredictor calls a model server over HTTP
type RemotePredictor struct {
	client   httpclient.Client
	endpoint string
}

// NewRemotePredictor creates a predictor posting to endpoint
func NewRemotePredictor(endpoint string, client httpclient.Client) *RemotePredictor {
	return &RemotePredictor{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
	}
}

// Predict implements Predictor
func (p *RemotePredictor) Predict(ctx context.Context, req PredictRequest) (*Prediction, error) {
	var out Prediction
	if err := p.client.PostJSON(ctx, p.endpoint+PredictPath, req, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPredictorUnavailable, err)
	}
	if out.Mask.Size[0] <= 0 || out.Mask.Size[1] <= 0 {
		return nil, fmt.Errorf("%w: response mask has no size", ErrPredictorUnavailable)
	}
	return &out, nil
}
