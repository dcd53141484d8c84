// Package v1 provides the REST handlers of the annotation service.
package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/partonomy/annotator/internal/annotation"
	"github.com/partonomy/annotator/internal/api/common"
	"github.com/partonomy/annotator/internal/coordinator"
	"github.com/partonomy/annotator/internal/segment"
	"github.com/partonomy/annotator/internal/versions"
)

const (
	// maxAnnotationBody bounds save requests; masks of large images are long strings
	maxAnnotationBody = 32 << 20
	// maxSmallBody bounds every other JSON request
	maxSmallBody = 1 << 20
)

// StatusResponse acknowledges a mutation
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReloadResponse reports the length of the rebuilt queue
type ReloadResponse struct {
	StatusResponse
	QueueLength int `json:"queue_length"`
}

// ReturnImageRequest names an image handed back without saving
type ReturnImageRequest struct {
	ImagePath string `json:"image_path"`
}

// Segmenter serves segmentation prompts for annotator sessions
type Segmenter interface {
	Segment(ctx context.Context, session string, req segment.Request) (*segment.Result, error)
	ClearSession(session string) int
}

// Routes holds the handlers' dependencies
type Routes struct {
	coord     coordinator.Coordinator
	segmenter Segmenter
}

// NewRoutes creates a new Routes instance. segmenter may be nil, in which
// case the segmentation endpoints answer 503.
func NewRoutes(coord coordinator.Coordinator, segmenter Segmenter) *Routes {
	return &Routes{coord: coord, segmenter: segmenter}
}

// QueueRouter serves the work queue endpoints
func (rt *Routes) QueueRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/next-image", rt.nextImage)
	r.Post("/reload-queue", rt.reloadQueue)
	r.Post("/return-image", rt.returnImage)
	return r
}

// AnnotateRouter serves the annotation endpoints
func (rt *Routes) AnnotateRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/save-annotation", rt.saveAnnotation)
	r.Post("/update-image-quality", rt.updateImageQuality)
	r.Get("/annotation-state", rt.annotationState)
	r.Get("/annotation-stats", rt.annotationStats)
	r.Get("/image-annotation/*", rt.imageAnnotation)
	return r
}

// HealthRouter serves liveness, readiness and version endpoints
func (rt *Routes) HealthRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler)
	r.Get("/readiness", rt.readiness)
	r.Get("/version", versionHandler)
	return r
}

// nextImage handles GET /queue/next-image. An exhausted queue yields {}.
func (rt *Routes) nextImage(w http.ResponseWriter, r *http.Request) {
	img, err := rt.coord.Claim(r.Context())
	if err != nil {
		writeCoordinatorError(w, "claim", err)
		return
	}
	if img == nil {
		common.WriteJSONResponse(w, struct{}{}, http.StatusOK)
		return
	}
	common.WriteJSONResponse(w, img, http.StatusOK)
}

// reloadQueue handles POST /queue/reload-queue[?from_snapshot=true]
func (rt *Routes) reloadQueue(w http.ResponseWriter, r *http.Request) {
	rehydrate := false
	if v := r.URL.Query().Get("from_snapshot"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			common.WriteErrorResponse(w, "from_snapshot must be a boolean", http.StatusBadRequest)
			return
		}
		rehydrate = parsed
	}

	n, err := rt.coord.Reload(r.Context(), rehydrate)
	if err != nil {
		writeCoordinatorError(w, "reload", err)
		return
	}
	common.WriteJSONResponse(w, ReloadResponse{
		StatusResponse: StatusResponse{Status: "success", Message: "Image queue reloaded successfully"},
		QueueLength:    n,
	}, http.StatusOK)
}

// returnImage handles POST /queue/return-image
func (rt *Routes) returnImage(w http.ResponseWriter, r *http.Request) {
	var req ReturnImageRequest
	if err := common.DecodeJSONBody(w, r, maxSmallBody, &req); err != nil {
		common.WriteErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ImagePath == "" {
		common.WriteErrorResponse(w, "image_path is required", http.StatusBadRequest)
		return
	}
	if err := rt.coord.ReturnImage(r.Context(), req.ImagePath); err != nil {
		writeCoordinatorError(w, "return image", err)
		return
	}
	common.WriteJSONResponse(w, StatusResponse{Status: "success"}, http.StatusOK)
}

// saveAnnotation handles POST /annotate/save-annotation
func (rt *Routes) saveAnnotation(w http.ResponseWriter, r *http.Request) {
	var img annotation.ImageAnnotation
	if err := common.DecodeJSONBody(w, r, maxAnnotationBody, &img); err != nil {
		common.WriteErrorResponse(w, "invalid annotation body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := rt.coord.Save(r.Context(), img); err != nil {
		writeCoordinatorError(w, "save", err)
		return
	}
	common.WriteJSONResponse(w, StatusResponse{Status: "saved"}, http.StatusOK)
}

// updateImageQuality handles POST /annotate/update-image-quality
func (rt *Routes) updateImageQuality(w http.ResponseWriter, r *http.Request) {
	var update annotation.QualityUpdate
	if err := common.DecodeJSONBody(w, r, maxSmallBody, &update); err != nil {
		common.WriteErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if update.ImagePath == "" {
		common.WriteErrorResponse(w, "image_path is required", http.StatusBadRequest)
		return
	}
	if _, err := rt.coord.UpdateQuality(r.Context(), update); err != nil {
		writeCoordinatorError(w, "update quality", err)
		return
	}
	common.WriteJSONResponse(w, StatusResponse{Status: "success"}, http.StatusOK)
}

// annotationState handles GET /annotate/annotation-state
func (rt *Routes) annotationState(w http.ResponseWriter, r *http.Request) {
	st, err := rt.coord.State(r.Context())
	if err != nil {
		writeCoordinatorError(w, "read state", err)
		return
	}
	common.WriteJSONResponse(w, st, http.StatusOK)
}

// annotationStats handles GET /annotate/annotation-stats
func (rt *Routes) annotationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.coord.Stats(r.Context())
	if err != nil {
		writeCoordinatorError(w, "read stats", err)
		return
	}
	common.WriteJSONResponse(w, stats, http.StatusOK)
}

// imageAnnotation handles GET /annotate/image-annotation/{image_path...}
func (rt *Routes) imageAnnotation(w http.ResponseWriter, r *http.Request) {
	imagePath, err := common.GetImagePathParam(r, "*")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	view, err := rt.coord.Image(r.Context(), imagePath)
	if err != nil {
		writeCoordinatorError(w, "read image", err)
		return
	}
	common.WriteJSONResponse(w, view, http.StatusOK)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, StatusResponse{Status: "healthy"}, http.StatusOK)
}

func (rt *Routes) readiness(w http.ResponseWriter, r *http.Request) {
	if err := rt.coord.Ready(r.Context()); err != nil {
		common.WriteErrorResponse(w, "annotator not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	common.WriteJSONResponse(w, StatusResponse{Status: "ready"}, http.StatusOK)
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

// writeCoordinatorError maps the coordinator error taxonomy onto HTTP status codes
func writeCoordinatorError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidAnnotation):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Annotation request failed", "operation", op, "status", status, "error", err)
	} else {
		slog.Debug("Annotation request rejected", "operation", op, "status", status, "error", err)
	}
	common.WriteErrorResponse(w, err.Error(), status)
}
