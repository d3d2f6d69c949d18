package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/faults"
	"github.com/skytrace/backend/internal/model"
	"github.com/skytrace/backend/internal/parser"
	"github.com/skytrace/backend/internal/store"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Warn("response encode failed", zap.Error(err))
		}
	}
}

type errorBody struct {
	Error  string                 `json:"error"`
	Field  string                 `json:"field,omitempty"`
	Reason string                 `json:"reason,omitempty"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// writeError maps a classified error to the response contract: schema
// violations 422, parse failures 400/422, invalid transitions 409,
// unknown referents 404, transient downstream trouble 503.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var violation *model.FieldViolation
	if errors.As(err, &violation) {
		s.writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "schema_violation", Field: violation.Field, Reason: violation.Detail,
		})
		return
	}

	var parseFail *parser.Failure
	if errors.As(err, &parseFail) {
		status := http.StatusBadRequest
		if parseFail.Reason == parser.ReasonMissingField {
			status = http.StatusUnprocessableEntity
		}
		s.writeJSON(w, status, errorBody{
			Error: "parse_failure", Reason: string(parseFail.Reason), Field: parseFail.Detail,
		})
		return
	}

	switch {
	case errors.Is(err, model.ErrInvalidTransition):
		s.writeJSON(w, http.StatusConflict, errorBody{Error: "invalid_transition", Reason: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, store.ErrUnknownBag):
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown_bag", Reason: err.Error()})
	case faults.KindOf(err) == faults.Permanent:
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "rejected", Reason: err.Error()})
	default:
		s.logger.Warn("downstream failure", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store_unavailable"})
	}
}

func (s *Server) backpressure(w http.ResponseWriter) {
	s.metrics.Backpressure.Inc()
	w.Header().Set("Retry-After", "1")
	s.writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "backpressure"})
}
