package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDocument(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{name: "empty object", doc: `{}`},
		{name: "null collections", doc: `{"checked": null, "unchecked": null}`},
		{
			name: "full document",
			doc: `{"checked": {"a.jpg": {"image_path": "a.jpg", "parts": {"x--part:y": {
				"name": "x--part:y", "rles": [{"counts": "04", "size": [2, 2]}],
				"was_checked": true, "is_poor_quality": false, "is_correct": true, "is_complete": true}}}},
				"unchecked": {}, "excluded_objects": ["z"]}`,
		},
		{name: "array document", doc: `[1, 2, 3]`, wantErr: true},
		{name: "collection is a list", doc: `{"checked": []}`, wantErr: true},
		{name: "rle without counts", doc: `{"checked": {"a.jpg": {"parts": {"p": {"rles": [{"size": [2, 2]}]}}}}}`, wantErr: true},
		{name: "rle size of three", doc: `{"checked": {"a.jpg": {"parts": {"p": {"rles": [{"counts": "4", "size": [1, 2, 2]}]}}}}}`, wantErr: true},
		{name: "flag is a string", doc: `{"unchecked": {"a.jpg": {"parts": {"p": {"was_checked": "yes"}}}}}`, wantErr: true},
		{name: "excluded object is a number", doc: `{"excluded_objects": [1]}`, wantErr: true},
		{name: "not json", doc: `{"checked":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateDocument([]byte(tt.doc))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrSnapshotCorrupt)
				return
			}
			assert.NoError(t, err)
		})
	}
}
