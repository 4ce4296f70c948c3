// Package httpapi holds the HTTP plumbing shared by every service API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"agroflow/internal/platform/observability"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// APIHandler is an HTTP handler that reports failures by returning an error.
type APIHandler func(w http.ResponseWriter, r *http.Request) error

var validate = validator.New(validator.WithRequiredStructEnabled())

// Adapter turns APIHandlers into http.HandlerFuncs with centralised error
// rendering and logging.
type Adapter struct {
	logger observability.Logger
}

// NewAdapter creates an Adapter that logs through logger.
func NewAdapter(logger observability.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// Handle wraps h.
func (a *Adapter) Handle(h APIHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		var apiErr *Error
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode >= http.StatusInternalServerError {
				a.logger.Error("❌ Request failed", zap.String("path", r.URL.Path), zap.Error(err))
			}
			_ = WriteJSON(w, apiErr.StatusCode, errorResponse{Error: apiErr.Message, Details: apiErr.Details})
			return
		}

		a.logger.Error("❌ Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		_ = WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}

// DecodeJSON parses the request body into dst and validates its struct tags.
func DecodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return NewError(http.StatusBadRequest, ErrInvalidPayload.Error(), err.Error())
	}
	return Validate(dst)
}

// Validate checks struct tags on v, returning a 422 listing failed fields.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return NewError(http.StatusUnprocessableEntity, "validation failed", fields)
}

// QueryInt reads an integer query parameter, returning fallback when absent.
func QueryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, BadRequest(fmt.Sprintf("query parameter %s must be an integer", key))
	}
	return v, nil
}
