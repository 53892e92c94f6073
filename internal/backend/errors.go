package backend

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/samber/lo"

	apperrors "github.com/org/secretprov/internal/errors"
)

// wrapErr converts an error from the vault client into the backend error
// taxonomy. Response errors carry the HTTP status; anything else never got
// an answer from the backend.
func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return &apperrors.BackendError{Op: op, Path: path, Status: respErr.StatusCode, Err: err}
	}
	return &apperrors.BackendError{Op: op, Path: path, Err: err}
}

func isNotFound(err error) bool {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

// isUnknownAccessor reports a revoke answer for a token the backend no longer
// knows: revoked out of band, expired, or never issued.
func isUnknownAccessor(err error) bool {
	var respErr *api.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		return lo.ContainsBy(respErr.Errors, func(msg string) bool {
			return strings.Contains(strings.ToLower(msg), "invalid accessor")
		})
	}
	return false
}
