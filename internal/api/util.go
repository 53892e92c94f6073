package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	apperrors "github.com/org/secretprov/internal/errors"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

// statusFor maps the error taxonomy to an HTTP status. A partial failure is
// checked first: it wraps the backend error that stopped the sequence.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrPartialProvisioning):
		return http.StatusInternalServerError
	case errors.Is(err, apperrors.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrBackendRejected):
		return http.StatusBadGateway
	case errors.Is(err, apperrors.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	writeErrWith(w, r, err, nil)
}

// writeErrWith writes err with extra fields added to the body. Empty string
// values are dropped. Partial failures also report the completed steps.
func writeErrWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Msg("request failed")
	}
	body := map[string]any{"errors": []string{err.Error()}}
	var partial *apperrors.PartialError
	if errors.As(err, &partial) {
		body["environment_id"] = partial.EnvironmentID
		body["completed"] = partial.Completed
		body["failed"] = partial.Failed
	}
	for k, v := range extra {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		body[k] = v
	}
	writeJSON(w, code, body)
}

// decodeJSON decodes the body into dst and runs struct validation.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.InvalidParameters("%s", formatDecodeError(err))
	}
	if err := validate.Struct(dst); err != nil {
		return apperrors.InvalidParameters("%s", formatValidationError(err))
	}
	return nil
}

func formatDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field '%s' should be %s", typeErr.Field, typeErr.Type.String())
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "invalid JSON format"
	}
	return "invalid request body"
}

func formatValidationError(err error) string {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ves))
	for _, e := range ves {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("field '%s' is required", field))
		case "max":
			msgs = append(msgs, fmt.Sprintf("field '%s' must be at most %s characters", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("field '%s' validation failed on '%s'", field, e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func idParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.InvalidParameters("invalid %s %q", name, raw)
	}
	return id, nil
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.InvalidParameters("invalid %s %q", name, raw)
	}
	return n, nil
}
