// Package httpserver contains the read API and signed intake HTTP handlers
// and middleware. It translates domain errors to HTTP exactly once, here.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fairyhunter13/datashelf/internal/domain"
	"github.com/fairyhunter13/datashelf/internal/service/cache"
)

// envelopeMeta carries cache provenance on every successful read.
type envelopeMeta struct {
	Cached    bool      `json:"cached"`
	Stale     bool      `json:"stale"`
	Timestamp time.Time `json:"timestamp"`
}

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
	Meta envelopeMeta    `json:"meta"`
}

type errorEnvelope struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult wraps a cache result in the success envelope. The Cache-Control
// max-age spans the full serve-stale window so edge caches line up with the
// SWR lifecycle.
func writeResult(w http.ResponseWriter, res cache.Result) {
	if res.TTL > 0 {
		maxAge := int((2 * res.TTL).Seconds())
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAge))
	}
	writeJSON(w, http.StatusOK, successEnvelope{
		Data: res.Data,
		Meta: envelopeMeta{Cached: res.Cached, Stale: res.Stale, Timestamp: time.Now().UTC()},
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	label := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		label = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
		label = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		label = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		label = "CONFLICT"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		label = "RATE_LIMITED"
		w.Header().Set("Retry-After", "60")
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = http.StatusServiceUnavailable
		label = "UPSTREAM_TIMEOUT"
	}
	if status == http.StatusInternalServerError {
		// Fatal-class failures keep their detail in the logs, not the wire.
		LoggerFrom(r).Error("request failed", "error", err)
		err = domain.ErrInternal
	}
	writeJSON(w, status, errorEnvelope{
		Error:     label,
		Message:   err.Error(),
		Code:      status,
		Timestamp: time.Now().UTC(),
	})
}
