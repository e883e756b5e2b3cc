package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/homenest/nous/internal/dispatch"
	"github.com/homenest/nous/internal/model"
	"github.com/homenest/nous/internal/queue"
	"github.com/homenest/nous/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case model.IsValidation(err):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, queue.ErrNothingQueued):
		status, kind = http.StatusUnprocessableEntity, "nothing_queued"
	case errors.Is(err, dispatch.ErrQueueSending), errors.Is(err, dispatch.ErrQueuePaused),
		errors.Is(err, store.ErrQueuesBusy):
		status, kind = http.StatusConflict, "precondition"
	}

	log := zap.L().With(
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
	)
	if status == http.StatusInternalServerError {
		log.Error("server: request failed", zap.Error(err))
	} else {
		log.Info("server: request rejected", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return model.Validationf("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Validationf("invalid request body: %v", err)
	}
	return nil
}

func decodeBytes(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return model.Validationf("invalid request body: %v", err)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
