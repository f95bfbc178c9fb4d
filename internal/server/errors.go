package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/logging"
	"go.uber.org/zap"
)

// Codes for failures that are not developer errors.
const (
	codeUnauthenticated = "unauthenticated"
	codeUnknownTool     = "unknown_tool"
	codeToolFailed      = "tool_failed"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps a developer error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case developer.CodeMissingCredentials, developer.CodeMalformedCredential,
		developer.CodeInvalidKey, developer.CodeInvalidSecret, codeUnauthenticated:
		return http.StatusUnauthorized
	case developer.CodeAccountInactive, developer.CodeForbidden:
		return http.StatusForbidden
	case developer.CodeQuotaExceeded, developer.CodeRateLimited:
		return http.StatusTooManyRequests
	case developer.CodeLimitExceeded:
		return http.StatusConflict
	case developer.CodeNotFound, codeUnknownTool:
		return http.StatusNotFound
	case developer.CodeInvalidRequest:
		return http.StatusBadRequest
	case developer.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case codeToolFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessages are returned instead of err.Error() so wrapped driver errors
// never reach a client.
var publicMessages = map[string]string{
	developer.CodeMissingCredentials:  "X-API-Key and X-API-Secret headers are required",
	developer.CodeMalformedCredential: "api key or secret is malformed",
	developer.CodeInvalidKey:          "api key is not recognised",
	developer.CodeInvalidSecret:       "api secret does not match",
	developer.CodeAccountInactive:     "developer account is inactive",
	developer.CodeQuotaExceeded:       "monthly quota exceeded",
	developer.CodeRateLimited:         "rate limit exceeded",
	developer.CodeLimitExceeded:       "active key limit reached",
	developer.CodeNotFound:            "developer not found",
	developer.CodeForbidden:           "not permitted for this developer",
	developer.CodeStoreUnavailable:    "service temporarily unavailable, retry later",
	developer.CodeInternal:            "internal error",
}

// abortWithError writes the error response for err and stops the handler chain.
func abortWithError(c *gin.Context, logger *zap.Logger, err error) {
	code := developer.ErrorCode(err)
	msg, ok := publicMessages[code]
	if code == developer.CodeInvalidRequest {
		// Validation messages are built from caller input and are safe to echo.
		msg, ok = err.Error(), true
	}
	if !ok {
		msg = "internal error"
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context(), logger).Error("request error", zap.String("code", code), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: msg})
}

// abortWithCode writes a response for a server-level code and message.
func abortWithCode(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(statusFor(code), ErrorResponse{Code: code, Message: message})
}

// setRetryAfter sets Retry-After in whole seconds, rounding up.
func setRetryAfter(c *gin.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	secs := int64((d + time.Second - 1) / time.Second)
	c.Header("Retry-After", strconv.FormatInt(secs, 10))
}

// badRequest wraps a binding error as invalid input.
func badRequest(err error) error {
	return fmt.Errorf("%w: %v", developer.ErrInvalidInput, err)
}

// storeError keeps classified errors and treats anything else from a store as
// unavailability.
func storeError(err error) error {
	if developer.ErrorCode(err) != developer.CodeInternal {
		return err
	}
	return developer.Unavailable(err)
}
