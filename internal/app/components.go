package app

import (
	"github.com/partonomy/annotator/internal/coordinator"
	"github.com/partonomy/annotator/internal/kv"
	"github.com/partonomy/annotator/internal/segment"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Coordinator runs the annotation workflow
	Coordinator coordinator.Coordinator

	// Store is the shared store all instances coordinate through
	Store kv.Store

	// Segmenter serves segmentation prompts
	Segmenter *segment.Segmenter
}
