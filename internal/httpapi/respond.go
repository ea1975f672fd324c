package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ikoma-ops/ikoma/internal/order"
	"github.com/ikoma-ops/ikoma/internal/report"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CurrentStatus string `json:"currentStatus,omitempty"`
	CurrentRunner string `json:"currentRunner,omitempty"`
	Field         string `json:"field,omitempty"`
	Code          string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the store's typed errors onto the HTTP taxonomy:
// not-found 404, conflict 409 naming the actual state, validation 400,
// anything else a generic 500 that leaks no internals.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if ne, ok := order.IsNotFound(err); ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: ne.Error()})
		return
	}
	if ce, ok := order.IsConflict(err); ok {
		if ce.Reason == order.ReasonNotFound {
			writeJSON(w, http.StatusNotFound, errorBody{
				Error:  ce.Error(),
				Reason: string(ce.Reason),
			})
			return
		}
		writeJSON(w, http.StatusConflict, errorBody{
			Error:         ce.Error(),
			Reason:        string(ce.Reason),
			CurrentStatus: string(ce.CurrentStatus),
			CurrentRunner: ce.CurrentRunner,
		})
		return
	}
	if de, ok := order.IsDedupeConflict(err); ok {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:  de.Error(),
			Reason: "dedupe_conflict",
		})
		return
	}
	if ve, ok := order.IsValidation(err); ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Field: ve.Field})
		return
	}
	if rve, ok := report.IsValidationError(err); ok {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: rve.Error(),
			Code:  order.ErrCodeInvalidReport,
		})
		return
	}

	s.log.Error("internal error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

// decodeJSON reads a request body into v, rejecting trailing garbage.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &order.ValidationError{Field: "body", Message: "malformed JSON"}
	}
	return nil
}
