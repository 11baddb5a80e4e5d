package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/Brownie44l1/mnist-api/internal/model"
)

const maxImageBytes = 10 << 20

type Handler struct {
	predictor    model.Predictor
	metrics      *Metrics
	logger       *slog.Logger
	maxBodyBytes int64
}

type Options struct {
	Metrics      *Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

func NewHandler(predictor model.Predictor, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		predictor:    predictor,
		metrics:      opts.Metrics,
		logger:       logger,
		maxBodyBytes: maxBody,
	}
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "ML Serving API is running",
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.PredictionRequest
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		h.rejectBody(w, err)
		return
	}
	if decoder.More() {
		h.reject(w, "malformed", "request body must hold a single JSON object")
		return
	}
	if req.Data == nil {
		h.reject(w, "missing", `field "data" is required`)
		return
	}
	data, err := req.Pixels()
	if err != nil {
		h.reject(w, "malformed", err.Error())
		return
	}
	if err := model.ValidateInput(data); err != nil {
		h.reject(w, "length", err.Error())
		return
	}

	h.predict(w, r, data)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "image exceeds 10 MiB")
			return
		}
		h.reject(w, "image", "request must be multipart/form-data")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.reject(w, "image", `no image file provided, use "image" as the form field name`)
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		h.reject(w, "image", "invalid image format, supported: JPEG, PNG")
		return
	}
	h.logger.Debug("image_received",
		"filename", header.Filename,
		"bytes", header.Size,
		"format", format,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy(),
	)

	h.predict(w, r, preprocessImage(img, r.URL.Query().Get("invert") == "true"))
}

func (h *Handler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.predictor.Info(r.Context())
	if err != nil {
		h.logger.Error("model_info_failed", "error", err.Error())
		writeDetail(w, http.StatusInternalServerError, "model unavailable")
		return
	}
	h.respond(w, r, http.StatusOK, info)
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request, data []float32) {
	start := time.Now()
	scores, err := h.predictor.Predict(r.Context(), data)
	h.metrics.observeInference(h.predictor.Name(), time.Since(start))
	if err == nil {
		err = checkScores(scores)
	}
	if err != nil {
		var inputErr *model.InvalidInputError
		switch {
		case errors.As(err, &inputErr):
			h.reject(w, "length", inputErr.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeDetail(w, http.StatusServiceUnavailable, "request cancelled")
		default:
			h.logger.Error("predict_failed",
				"request_id", RequestID(r.Context()),
				"backend", h.predictor.Name(),
				"error", err.Error(),
			)
			writeDetail(w, http.StatusInternalServerError, "prediction failed")
		}
		return
	}
	h.respond(w, r, http.StatusOK, model.PredictionResponse{Prediction: scores})
}

// checkScores rejects output that cannot be sent as JSON numbers.
func checkScores(scores []float32) error {
	if len(scores) != model.NumClasses {
		return fmt.Errorf("predictor returned %d scores, expected %d", len(scores), model.NumClasses)
	}
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("score %d is not finite: %v", i, v)
		}
	}
	return nil
}

func (h *Handler) rejectBody(w http.ResponseWriter, err error) {
	var (
		tooLarge  *http.MaxBytesError
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &tooLarge):
		writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	case errors.Is(err, io.EOF):
		h.reject(w, "missing", "request body is required")
	case errors.As(err, &typeErr):
		if typeErr.Field == "" {
			h.reject(w, "malformed", "request body must be a JSON object")
			return
		}
		h.reject(w, "malformed", fmt.Sprintf(`field %q must be an array of numbers`, typeErr.Field))
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		h.reject(w, "malformed", fmt.Sprintf("invalid JSON: %v", err))
	default:
		h.reject(w, "malformed", fmt.Sprintf("invalid request payload: %v", err))
	}
}

// reject answers with 422, the single status for unusable client input.
func (h *Handler) reject(w http.ResponseWriter, reason string, detail string) {
	h.metrics.observeInvalid(reason)
	writeDetail(w, http.StatusUnprocessableEntity, detail)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		h.logger.Error("response_encode_failed",
			"request_id", RequestID(r.Context()),
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	_ = writeJSON(w, status, map[string]string{"detail": detail})
}

// writeJSON encodes payload before touching the header, so an encoding
// failure still produces a 500 with a body. Only encoding errors are
// returned.
func writeJSON(w http.ResponseWriter, status int, payload any) error {
	body, err := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"internal server error"}` + "\n"))
		return fmt.Errorf("encode response: %w", err)
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
	return nil
}
