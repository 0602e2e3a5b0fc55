package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Brownie44l1/vision-api/internal/inference"
	"github.com/Brownie44l1/vision-api/internal/model"
	"github.com/rs/zerolog"
)

const (
	// FormField is the multipart field carrying the image.
	FormField = "file"

	defaultMaxUploadBytes = 32 << 20
	maxFormMemory         = 10 << 20
)

// Predictor classifies an image stored on disk.
type Predictor interface {
	PredictImage(ctx context.Context, path string) (inference.Result, error)
}

// TempStore runs fn against a temp file holding r and removes it afterwards.
type TempStore interface {
	With(ctx context.Context, r io.Reader, size int64, fn func(path string) error) error
}

// InfoProvider describes the served model.
type InfoProvider interface {
	Info() model.Info
}

type Handler struct {
	predictor      Predictor
	store          TempStore
	info           InfoProvider
	maxUploadBytes int64
	log            zerolog.Logger
}

type Option func(*Handler)

func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

func NewHandler(predictor Predictor, store TempStore, info InfoProvider, opts ...Option) *Handler {
	h := &Handler{
		predictor:      predictor,
		store:          store,
		info:           info,
		maxUploadBytes: defaultMaxUploadBytes,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.info.Info())
}

// AnalyzeImage handles POST /analyze-image. The upload is written to a temp
// file that is removed before the response is sent, on every path.
func (h *Handler) AnalyzeImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to parse form", http.StatusUnprocessableEntity)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(FormField)
	if err != nil {
		http.Error(w, "No image file provided. Use 'file' as the form field name", http.StatusUnprocessableEntity)
		return
	}
	defer file.Close()

	log := h.log.With().Str("filename", header.Filename).Int64("size", header.Size).Logger()
	log.Debug().Msg("received upload")

	var result inference.Result
	err = h.store.With(r.Context(), file, header.Size, func(path string) error {
		var err error
		result, err = h.predictor.PredictImage(r.Context(), path)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("image analysis failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	log.Info().Str("visual_label", result.VisualLabel).Float64("confidence", result.Confidence).Msg("image analyzed")
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
