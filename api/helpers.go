package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/toshiapp/ethservice/gateway"
	"github.com/toshiapp/ethservice/log"
)

// wireError is one entry of the error envelope.
type wireError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// errorEnvelope is the body of every non-2xx response.
type errorEnvelope struct {
	Errors []wireError `json:"errors"`
}

// httpWriteJSON writes a JSON response with status 200.
func httpWriteJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warnw("failed to write http response", "error", err.Error())
	}
}

// httpWriteOK writes an empty success response.
func httpWriteOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// httpWriteErrors writes the error envelope with the given status.
func httpWriteErrors(w http.ResponseWriter, status int, errs ...wireError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorEnvelope{Errors: errs}); err != nil {
		log.Warnw("failed to write error response", "error", err.Error())
	}
}

// httpWriteError renders an error into the envelope. Gateway rejections keep
// their catalogue ID with status 400 (404 for not_found); anything else is an
// internal failure reported as unexpected_error.
func httpWriteError(w http.ResponseWriter, err error) {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		status := http.StatusBadRequest
		if gwErr.Is(gateway.ErrNotFound) {
			status = http.StatusNotFound
		}
		httpWriteErrors(w, status, wireError{ID: gwErr.ID, Message: gwErr.Message})
		return
	}
	log.Warnw("request failed", "error", err.Error())
	httpWriteErrors(w, http.StatusInternalServerError,
		wireError{ID: gateway.ErrUnexpected.ID, Message: gateway.ErrUnexpected.Message})
}

// decodeBody parses a JSON request body, rejecting malformed payloads.
func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return gateway.ErrBadArguments.WithMessage("Bad arguments: malformed JSON body")
	}
	return nil
}
