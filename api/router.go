package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"snaprgb/models"
)

// maxBodyBytes bounds a write request body; a valid one is a few dozen bytes.
const maxBodyBytes = 1 << 12

// RGBBridge is satisfied by *app.Bridge.
type RGBBridge interface {
	Read(ctx context.Context, target string) (models.RGB, error)
	Write(ctx context.Context, target string, state models.RGB) (models.RGB, error)
}

// NewRouter serves
//
//	GET        /{target}/rgb
//	POST|PATCH /{target}/rgb
//	GET        /metrics        (when metrics is not nil)
func NewRouter(bridge RGBBridge, metrics http.Handler) *mux.Router {
	h := &rgbHandler{bridge: bridge}

	r := mux.NewRouter()
	r.Use(requestLogger(log.Logger))
	r.HandleFunc("/{target}/rgb", h.get).Methods(http.MethodGet)
	r.HandleFunc("/{target}/rgb", h.set).Methods(http.MethodPost, http.MethodPatch)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return r
}

type rgbHandler struct {
	bridge RGBBridge
}

func (h *rgbHandler) get(w http.ResponseWriter, r *http.Request) {
	state, err := h.bridge.Read(r.Context(), mux.Vars(r)["target"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *rgbHandler) set(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errors.Annotatef(models.ErrInvalidPayload, "%v", err))
		return
	}
	var requested models.RGB
	if err := json.Unmarshal(body, &requested); err != nil {
		if !errors.Is(err, models.ErrInvalidPayload) {
			err = errors.Annotatef(models.ErrInvalidPayload, "%v", err)
		}
		writeError(w, err)
		return
	}

	state, err := h.bridge.Write(r.Context(), mux.Vars(r)["target"], requested)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError answers client mistakes with 400 and a reason. Anything else,
// in practice a node that did not reply, is a bare 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidAddress), errors.Is(err, models.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("encoding response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Msg("writing response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func requestLogger(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			event := logger.Info()
			if rec.status >= 500 {
				event = logger.Error()
			} else if rec.status >= 400 {
				event = logger.Warn()
			}

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}

			event.
				Str("method", r.Method).
				Str("path", path).
				Str("target", mux.Vars(r)["target"]).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Str("client_ip", r.RemoteAddr).
				Int("bytes", rec.bytes).
				Msg("http_request")
		})
	}
}
