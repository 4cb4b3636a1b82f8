package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/trunov/imgpipe/internal/config"
	"github.com/trunov/imgpipe/internal/entities"
)

var ErrNotFound = errors.New("image not found")

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	unbounded        = math.MaxInt
)

type UseCase interface {
	ListImages(ctx context.Context, sourceKey string, limit, offset int) ([]entities.Record, error)
	GetImage(ctx context.Context, id string) (ImageResponse, error)
	DeleteImage(ctx context.Context, id string) error
	UploadImage(ctx context.Context, key, contentType string, data []byte) (UploadResponse, error)
	Enqueue(ctx context.Context, key string) (bool, error)
	Status(ctx context.Context) StatusResponse
}

type Handler struct {
	useCase   UseCase
	cfg       *config.Config
	validator *validator.Validate
}

func New(useCase UseCase, cfg *config.Config) *Handler {
	return &Handler{
		useCase:   useCase,
		cfg:       cfg,
		validator: newValidator(),
	}
}

func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q, "limit", defaultListLimit, 1, maxListLimit)
	offset := queryInt(q, "offset", 0, 0, unbounded)

	records, err := h.useCase.ListImages(r.Context(), q.Get("source_key"), limit, offset)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if records == nil {
		records = []entities.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := h.useCase.GetImage(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		writeJSONError(w, "image not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	var req DeleteImageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorized(req.Auth) {
		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	err := h.useCase.DeleteImage(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		writeJSONError(w, "image not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.API.MaxRequestBodyMB<<20)

	maxMultipartMem := h.cfg.API.MaxMultipartMemoryMB
	if err := r.ParseMultipartForm(maxMultipartMem << 20); err != nil {
		writeMultipartError(w, err)
		return
	}

	if !h.authorized(r.Form.Get("auth")) {
		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeJSONError(w, `missing image file: form field key should be "image"`, http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the file: "+err.Error(), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	params := UploadImageParams{Key: strings.TrimPrefix(r.Form.Get("key"), "/")}
	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrors(err))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	mime := mimetype.Detect(data)
	fileType := mime.String()
	if err := validateMimeType(fileType); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := params.Key
	if key == "" {
		key = h.cfg.API.UploadPrefix + uuid.NewString() + mime.Extension()
	}

	resp, err := h.useCase.UploadImage(r.Context(), key, fileType, data)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Enqueue schedules conversions for keys already in the source bucket.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorized(req.Auth) {
		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp := EnqueueResponse{Added: []string{}, Pending: []string{}}
	for _, key := range req.Keys {
		added, err := h.useCase.Enqueue(r.Context(), key)
		if err != nil {
			h.internalError(w, err)
			return
		}
		if added {
			resp.Added = append(resp.Added, key)
		} else {
			resp.Pending = append(resp.Pending, key)
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := h.useCase.Status(r.Context())
	writeJSON(w, resp.Code, resp)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrors(err))
		return false
	}
	return true
}

// authorized compares against the configured API secret. An unset secret
// rejects everything.
func (h *Handler) authorized(given string) bool {
	secret := h.cfg.API.Secret
	if secret == "" || given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(secret)) == 1
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Str("component", "http").Msg("request failed")
	writeJSONError(w, err.Error(), http.StatusInternalServerError)
}
