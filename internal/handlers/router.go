package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

type RouterConfig struct {
	// CORSOrigins disables CORS handling when empty.
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter wires the handler's routes behind the middleware chain.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	router := httprouter.New()
	route := func(method, path string, fn http.HandlerFunc) {
		router.Handler(method, path, h.metrics.Instrument(path, fn))
	}
	route(http.MethodGet, "/", h.Root)
	route(http.MethodPost, "/api/predict", h.Predict)
	route(http.MethodPost, "/api/predict/image", h.PredictFromImage)
	route(http.MethodGet, "/api/model", h.ModelInfo)
	if h.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return Chain(newCorsHandler(router, cfg.CORSOrigins),
		RequestIDMiddleware,
		LoggingMiddleware(logger),
		RecoveryMiddleware(logger),
	)
}

func newCorsHandler(srv http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return srv
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         600,
	})
	return c.Handler(srv)
}
