package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/query"
	"PerpSettle/internal/store"
)

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// statusFor maps an engine or query error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, ingestion.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnknownMarket),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, oracle.ErrNoVersion):
		return http.StatusNotFound
	case errors.Is(err, core.ErrCannotLiquidate):
		return http.StatusConflict
	case core.IsValidation(err), errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, query.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.deps.Logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Code: code})
}
