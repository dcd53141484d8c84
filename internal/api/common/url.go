package common

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
)

// GetImagePathParam extracts and decodes an image path captured by a route
// parameter (usually the "*" wildcard). The path must be relative and must
// not climb out of the dataset with "..".
func GetImagePathParam(r *http.Request, paramName string) (string, error) {
	decoded, err := url.PathUnescape(chi.URLParam(r, paramName))
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", paramName)
	}

	if strings.TrimSpace(decoded) == "" {
		return "", fmt.Errorf("image path cannot be empty")
	}
	if strings.ContainsAny(decoded, "\n\r\x00") {
		return "", fmt.Errorf("image path contains control characters")
	}
	if strings.HasPrefix(decoded, "/") {
		return "", fmt.Errorf("image path must be relative")
	}
	for _, segment := range strings.Split(path.Clean(decoded), "/") {
		if segment == ".." {
			return "", fmt.Errorf("image path cannot contain '..'")
		}
	}
	return decoded, nil
}
