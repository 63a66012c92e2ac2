package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string           `json:"error"`
	Kind  engine.ErrorKind `json:"kind,omitempty"`
	Code  string           `json:"code,omitempty"`
}

// writeJSON writes payload with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends a plain error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps an error kind to an HTTP status code.
func statusFor(err error) int {
	switch engine.KindOf(err) {
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindInvalidConfig:
		return http.StatusBadRequest
	case engine.KindConflict:
		return http.StatusConflict
	case engine.KindConnection, engine.KindDeployment, engine.KindOperation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes a classified error. Unclassified errors are logged
// by the caller and reported without detail.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var e *engine.Error
	if status == http.StatusInternalServerError || !errors.As(err, &e) {
		writeError(w, status, "internal error")
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: e.Kind, Code: e.Code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
