package developer

import (
	"context"
	"errors"
	"fmt"
)

// Errors returned by authentication, metering and lifecycle operations.
var (
	ErrMissingCredentials  = errors.New("missing api credentials")
	ErrMalformedCredential = errors.New("malformed api credential")
	ErrInvalidKey          = errors.New("invalid api key")
	ErrInvalidSecret       = errors.New("invalid api secret")
	ErrAccountInactive     = errors.New("developer account is inactive")
	ErrQuotaExceeded       = errors.New("monthly quota exceeded")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrLimitExceeded       = errors.New("active key limit reached")
	ErrNotFound            = errors.New("developer not found")
	ErrUnauthorized        = errors.New("not permitted for this developer")
	ErrStoreUnavailable    = errors.New("credential store unavailable")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicateAPIKey     = errors.New("api key already exists")
)

// Machine-readable error codes.
const (
	CodeMissingCredentials  = "missing_credentials"
	CodeMalformedCredential = "malformed_credential"
	CodeInvalidKey          = "invalid_key"
	CodeInvalidSecret       = "invalid_secret"
	CodeAccountInactive     = "account_inactive"
	CodeQuotaExceeded       = "quota_exceeded"
	CodeRateLimited         = "rate_limited"
	CodeLimitExceeded       = "limit_exceeded"
	CodeNotFound            = "not_found"
	CodeForbidden           = "forbidden"
	CodeStoreUnavailable    = "store_unavailable"
	CodeInvalidRequest      = "invalid_request"
	CodeInternal            = "internal_error"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrMissingCredentials, CodeMissingCredentials},
	{ErrMalformedCredential, CodeMalformedCredential},
	{ErrInvalidKey, CodeInvalidKey},
	{ErrInvalidSecret, CodeInvalidSecret},
	{ErrAccountInactive, CodeAccountInactive},
	{ErrQuotaExceeded, CodeQuotaExceeded},
	{ErrRateLimited, CodeRateLimited},
	{ErrLimitExceeded, CodeLimitExceeded},
	{ErrNotFound, CodeNotFound},
	{ErrUnauthorized, CodeForbidden},
	{ErrStoreUnavailable, CodeStoreUnavailable},
	{ErrInvalidInput, CodeInvalidRequest},
}

// ErrorCode maps err to its stable machine-readable code.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

// Unavailable wraps a store failure as ErrStoreUnavailable, keeping the cause for logs.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// IsTimeout reports whether err came from an expired or canceled context.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
