package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMultipartError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"body too large", fmt.Errorf("multipart: NextPart: %w", &http.MaxBytesError{Limit: 2 << 20}), http.StatusRequestEntityTooLarge, "upload exceeds the 2 MB limit"},
		{"not multipart", http.ErrNotMultipart, http.StatusBadRequest, "invalid content type, expected multipart/form-data"},
		{"truncated", errors.New("unexpected EOF"), http.StatusBadRequest, "malformed multipart body: unexpected EOF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeMultipartError(rec, tt.err)

			assert.Equal(t, tt.code, rec.Code)
			var body APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.msg, body.Error)
		})
	}
}

func TestQueryInt(t *testing.T) {
	q := url.Values{"limit": {"250"}, "big": {"5000"}, "neg": {"-1"}, "junk": {"ten"}}

	assert.Equal(t, 250, queryInt(q, "limit", 100, 1, 1000))
	assert.Equal(t, 100, queryInt(q, "big", 100, 1, 1000))
	assert.Equal(t, 0, queryInt(q, "neg", 0, 0, unbounded))
	assert.Equal(t, 100, queryInt(q, "junk", 100, 1, 1000))
	assert.Equal(t, 100, queryInt(q, "missing", 100, 1, 1000))
}

func TestValidationErrors_UseRequestFieldNames(t *testing.T) {
	v := newValidator()

	errs := validationErrors(v.Struct(EnqueueRequest{Keys: []string{}}))
	assert.Equal(t, map[string]string{
		"auth": "is required",
		"keys": "needs at least 1 entry",
	}, errs)

	errs = validationErrors(v.Struct(EnqueueRequest{Auth: "x", Keys: []string{"a.jpg", ""}}))
	assert.Equal(t, map[string]string{"keys[1]": "is required"}, errs)

	long := make([]byte, 1025)
	for i := range long {
		long[i] = 'k'
	}
	errs = validationErrors(v.Struct(UploadImageParams{Key: string(long)}))
	assert.Equal(t, map[string]string{"key": "must be at most 1024 characters"}, errs)

	assert.Equal(t, map[string]string{"error": "boom"}, validationErrors(errors.New("boom")))
}
