package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-decks/pkg/logging"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// errorStatus maps a service error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindAuth:
		return http.StatusUnauthorized, "invalid_credentials"
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case apperrors.KindInsufficientContent, apperrors.KindContentTooLarge, apperrors.KindContentFiltered:
		return http.StatusUnprocessableEntity, string(apperrors.KindOf(err))
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeServiceError writes the response for err. Client errors echo the
// sanitized message; server errors are logged and replaced by fallback.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error, fallback string, fields ...zap.Field) {
	status, code := errorStatus(err)
	message := logging.SanitizeError(err)
	if status == http.StatusInternalServerError {
		logger.Error(fallback, append(fields, zap.String("error", message))...)
		message = fallback
	}
	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeResponse(w http.ResponseWriter, logger *zap.Logger, status int, data interface{}) {
	if err := WriteJSON(w, status, data); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

// decodeJSON reads a size-limited JSON body, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, logger *zap.Logger, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

const maxJSONBody = 8 << 20
