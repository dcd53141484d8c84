package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/partonomy/annotator/internal/api/common"
	"github.com/partonomy/annotator/internal/segment"
)

const (
	// SessionCookie identifies an annotator's segmentation session
	SessionCookie = "annotator_session"

	sessionMaxAge = 12 * time.Hour
)

// SegmentRouter serves the segmentation endpoints
func (rt *Routes) SegmentRouter() http.Handler {
	r := chi.NewRouter()
	r.Post("/predict", rt.predict)
	r.Delete("/session", rt.clearSession)
	return r
}

// predict handles POST /segment/predict. A session cookie is issued on
// first use so cached logits follow the annotator between prompts.
func (rt *Routes) predict(w http.ResponseWriter, r *http.Request) {
	if rt.segmenter == nil {
		common.WriteErrorResponse(w, "segmentation is not configured", http.StatusServiceUnavailable)
		return
	}

	var req segment.Request
	if err := common.DecodeJSONBody(w, r, maxSmallBody, &req); err != nil {
		common.WriteErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	session := sessionID(w, r)
	result, err := rt.segmenter.Segment(r.Context(), session, req)
	switch {
	case err == nil:
		common.WriteJSONResponse(w, result, http.StatusOK)
	case errors.Is(err, segment.ErrInvalidPrompt), errors.Is(err, segment.ErrMissingSession):
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, segment.ErrPredictorUnavailable):
		slog.Warn("Segmentation model unavailable", "image_path", req.ImagePath, "error", err)
		common.WriteErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
	default:
		slog.Error("Segmentation failed", "image_path", req.ImagePath, "error", err)
		common.WriteErrorResponse(w, "segmentation failed: "+err.Error(), http.StatusInternalServerError)
	}
}

// clearSession handles DELETE /segment/session
func (rt *Routes) clearSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" || rt.segmenter == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	removed := rt.segmenter.ClearSession(cookie.Value)
	slog.Debug("Cleared segmentation session", "entries", removed)
	w.WriteHeader(http.StatusNoContent)
}

func sessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
