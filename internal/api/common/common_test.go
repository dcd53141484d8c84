package common

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetImagePathParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		wantValue  string
		wantErrMsg string
	}{
		{name: "plain file", path: "/img/a.jpg", wantValue: "a.jpg"},
		{name: "nested path", path: "/img/boats/airboat/0001.jpg", wantValue: "boats/airboat/0001.jpg"},
		{name: "encoded space", path: "/img/my%20boat.jpg", wantValue: "my boat.jpg"},
		{name: "encoded slash", path: "/img/boats%2F1.jpg", wantValue: "boats/1.jpg"},
		{name: "traversal", path: "/img/boats/%2E%2E/%2E%2E/etc/passwd", wantErrMsg: "cannot contain '..'"},
		{name: "empty", path: "/img/", wantErrMsg: "cannot be empty"},
		{name: "bad encoding", path: "/img/a%zz.jpg", wantErrMsg: "invalid URL encoding"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotValue string
			var gotErr error
			r := chi.NewRouter()
			r.Get("/img/*", func(_ http.ResponseWriter, req *http.Request) {
				gotValue, gotErr = GetImagePathParam(req, "*")
			})

			req := httptest.NewRequest(http.MethodGet, "/img/", nil)
			// chi routes on RawPath when set, which keeps escapes intact
			req.URL.RawPath = tt.path
			req.URL.Path = tt.path
			r.ServeHTTP(httptest.NewRecorder(), req)

			if tt.wantErrMsg != "" {
				require.Error(t, gotErr)
				assert.Contains(t, gotErr.Error(), tt.wantErrMsg)
				return
			}
			require.NoError(t, gotErr)
			assert.Equal(t, tt.wantValue, gotValue)
		})
	}
}

func TestWriteResponses(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, "image not found", http.StatusNotFound)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "image not found", body.Error)
}

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()

	type payload struct {
		ImagePath string `json:"image_path"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"image_path":"a.jpg"}`},
		{name: "unknown fields are ignored", body: `{"image_path":"a.jpg","extra":1}`},
		{name: "too large", body: `{"image_path":"` + strings.Repeat("x", 200) + `"}`, wantErr: true},
		{name: "malformed", body: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := DecodeJSONBody(httptest.NewRecorder(), req, 128, &p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a.jpg", p.ImagePath)
		})
	}
}
