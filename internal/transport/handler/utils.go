package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// newValidator names fields by their json or form tag, so error maps match
// what the client sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

func writeMultipartError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		writeJSONError(w, fmt.Sprintf("upload exceeds the %d MB limit", tooLarge.Limit>>20), http.StatusRequestEntityTooLarge)

	case errors.Is(err, http.ErrNotMultipart):
		writeJSONError(w, "invalid content type, expected multipart/form-data", http.StatusBadRequest)

	default:
		writeJSONError(w, "malformed multipart body: "+err.Error(), http.StatusBadRequest)
	}
}

// queryInt reads an integer query parameter in [lo, hi], falling back to def
// when it is missing, malformed or out of range.
func queryInt(q url.Values, name string, def, lo, hi int) int {
	v, err := strconv.Atoi(q.Get(name))
	if err != nil || v < lo || v > hi {
		return def
	}
	return v
}

// validationErrors maps each rejected field to a message in terms of the
// request: key lengths, the keys list and the auth secret.
func validationErrors(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs["error"] = err.Error()
		return errs
	}

	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			errs[field] = "is required"
		case "min":
			errs[field] = "needs at least " + e.Param() + " entry"
		case "max":
			errs[field] = "must be at most " + e.Param() + " characters"
		default:
			errs[field] = "fails the " + e.Tag() + " check"
		}
	}
	return errs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, APIError{Error: message, Code: code})
}

// uploadable lists what the converter can decode.
var uploadable = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/webp": {},
	"image/gif":  {},
}

func validateMimeType(mimeType string) error {
	if _, ok := uploadable[mimeType]; !ok {
		return fmt.Errorf("unsupported file type: %s", mimeType)
	}
	return nil
}
