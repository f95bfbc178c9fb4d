package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/robotpdf/devkeys/internal/audit"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/logging"
	"github.com/robotpdf/devkeys/internal/metering"
	"go.uber.org/zap"
)

// Quota and rate headers on metered responses.
const (
	HeaderQuotaLimit     = "X-Quota-Limit"
	HeaderQuotaRemaining = "X-Quota-Remaining"
	HeaderRateLimit      = "X-RateLimit-Limit"
	HeaderRateRemaining  = "X-RateLimit-Remaining"
)

// ToolResponse is the body of a successful metered call.
type ToolResponse struct {
	Tool   string      `json:"tool"`
	Result any         `json:"result"`
	Usage  UsageHeader `json:"usage"`
}

// UsageHeader is the quota state after a metered call.
type UsageHeader struct {
	MonthlyLimit     int `json:"monthly_limit"`
	CurrentMonthUsed int `json:"current_month_used"`
	Remaining        int `json:"remaining"`
}

// handleTool serves ANY /v1/tools/:tool. The caller is already authenticated;
// the call is metered before the tool runs and logged after it returns.
func (s *Server) handleTool(c *gin.Context) {
	ctx := c.Request.Context()
	identity := identityFrom(c)
	name := c.Param("tool")

	tool, ok := s.tools.Lookup(name)
	if !ok {
		abortWithCode(c, codeUnknownTool, "unknown tool "+strconv.Quote(name))
		return
	}

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{Code: developer.CodeInvalidRequest, Message: "request body too large"})
				return
			}
			abortWithError(c, s.logger, badRequest(err))
			return
		}
	}

	decision, err := s.limiter.CheckAndConsume(ctx, identity.ID, 1)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	setDecisionHeaders(c, decision)
	if !decision.Allowed {
		s.recordDenial(c, identity, name, decision)
		setRetryAfter(c, decision.RetryAfter)
		abortWithError(c, s.logger, decision.Reason)
		return
	}

	result, err := tool.Invoke(ctx, ToolRequest{
		Developer: identity,
		Tool:      name,
		Method:    c.Request.Method,
		Query:     c.Request.URL.Query(),
		Body:      body,
	})
	if err != nil {
		s.recorder.Record(identity.ID, name, developer.OutcomeError)
		logging.FromContext(ctx, s.logger).Warn("tool failed", zap.String("tool", name), zap.Error(err))
		abortWithCode(c, codeToolFailed, "tool "+strconv.Quote(name)+" failed")
		return
	}
	s.recorder.Record(identity.ID, name, developer.OutcomeSuccess)

	c.JSON(http.StatusOK, ToolResponse{
		Tool:   name,
		Result: result,
		Usage: UsageHeader{
			MonthlyLimit:     decision.MonthlyLimit,
			CurrentMonthUsed: decision.Used,
			Remaining:        decision.Remaining,
		},
	})
}

// recordDenial audits a quota or rate denial. Denials are not usage log entries.
func (s *Server) recordDenial(c *gin.Context, identity developer.Identity, tool string, decision metering.Decision) {
	code := developer.ErrorCode(decision.Reason)
	event := audit.NewEvent(audit.ActionMeterDeny, identity.ID, audit.ResultFailure).
		WithContext(c.Request.Context()).
		WithDeveloperID(identity.ID).
		WithClientIP(c.ClientIP()).
		WithReason(code).
		WithDetail("tool", tool).
		WithDetail("monthly_limit", decision.MonthlyLimit).
		WithDetail("current_month_used", decision.Used)
	if err := s.audit.Log(event); err != nil {
		logging.FromContext(c.Request.Context(), s.logger).Warn("failed to write audit event", zap.String("action", event.Action), zap.Error(err))
	}
}

func setDecisionHeaders(c *gin.Context, d metering.Decision) {
	c.Header(HeaderQuotaLimit, strconv.Itoa(d.MonthlyLimit))
	c.Header(HeaderQuotaRemaining, strconv.Itoa(d.Remaining))
	c.Header(HeaderRateLimit, strconv.Itoa(d.RatePerMinute))
	c.Header(HeaderRateRemaining, strconv.Itoa(d.RateRemaining))
}

// handleAPIUsage serves GET /v1/usage for the authenticated developer. It is not metered.
func (s *Server) handleAPIUsage(c *gin.Context) {
	tr, err := parseTimeRange(c)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	summary, err := s.reporter.Summary(c.Request.Context(), identityFrom(c).ID, tr)
	if err != nil {
		abortWithError(c, s.logger, storeError(err))
		return
	}
	c.JSON(http.StatusOK, summary)
}
