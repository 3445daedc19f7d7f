package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"trust-service/internal/service"
	"trust-service/internal/util"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// base carries what every handler needs to decode, validate and answer.
type base struct {
	logger   *zap.Logger
	validate *validator.Validate
}

func newBase(logger *zap.Logger) base {
	return base{logger: logger, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// decode reads a JSON body into dst and runs struct validation.
func (b base) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Join(service.ErrValidation, err)
	}
	if err := b.validate.Struct(dst); err != nil {
		return errors.Join(service.ErrValidation, err)
	}
	return nil
}

// respondWithJSON sends a JSON response
func (b base) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		b.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response. Rate limit errors also set
// Retry-After.
func (b base) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	var rle *service.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rle.RetryAfter.Seconds()))))
	}
	if statusCode >= http.StatusInternalServerError {
		b.logger.Error("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	} else {
		b.logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	b.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func getStatusCode(err error) int {
	var rle *service.RateLimitError
	switch {
	case errors.As(err, &rle):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotVerified):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// queryInt parses an optional integer parameter.
func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Join(service.ErrValidation, errors.New(key+" must be a non-negative integer"))
	}
	return n, nil
}
