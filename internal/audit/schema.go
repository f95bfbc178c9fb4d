// Package audit records security-relevant credential lifecycle events to an
// append-only JSONL sink kept separate from operational logs.
package audit

import (
	"context"
	"time"

	"github.com/robotpdf/devkeys/internal/logging"
	"github.com/robotpdf/devkeys/internal/obfuscate"
)

// Event is one audit record. Details never carry secrets.
type Event struct {
	Timestamp     time.Time      `json:"timestamp"`
	Action        string         `json:"action"`
	Actor         string         `json:"actor"`
	DeveloperID   string         `json:"developer_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ClientIP      string         `json:"client_ip,omitempty"`
	Result        ResultType     `json:"result"`
	Details       map[string]any `json:"details,omitempty"`
}

// ResultType represents the outcome of an audited operation
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultFailure ResultType = "failure"
)

// Actions.
const (
	ActionDeveloperCreate     = "developer.create"
	ActionDeveloperUpdate     = "developer.update"
	ActionDeveloperRegenerate = "developer.regenerate"
	ActionDeveloperLimits     = "developer.limits"
	ActionDeveloperDelete     = "developer.delete"
	ActionDeveloperResetUsage = "developer.reset_usage"
	ActionMeterDeny           = "meter.deny"
)

// Actors that are not end users.
const (
	ActorSystem     = "system"
	ActorAnonymous  = "anonymous"
	ActorAdmin      = "admin"
	ActorManagement = "management_api"
	ActorCLI        = "cli"
)

// NewEvent creates an event stamped with the current UTC time.
func NewEvent(action string, actor string, result ResultType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Actor:     actor,
		Result:    result,
		Details:   make(map[string]any),
	}
}

// WithDeveloperID sets the affected developer.
func (e *Event) WithDeveloperID(id string) *Event {
	e.DeveloperID = id
	return e
}

// WithRequestID sets the request ID for correlation with request logs
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// WithCorrelationID sets the correlation ID for tracing across services
func (e *Event) WithCorrelationID(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// WithClientIP sets the client IP address.
func (e *Event) WithClientIP(clientIP string) *Event {
	e.ClientIP = clientIP
	return e
}

// WithContext copies request and correlation ids from ctx.
func (e *Event) WithContext(ctx context.Context) *Event {
	if id := logging.GetRequestID(ctx); id != "" {
		e.RequestID = id
	}
	if id := logging.GetCorrelationID(ctx); id != "" {
		e.CorrelationID = id
	}
	return e
}

// WithDetail adds a detail key-value pair. Callers obfuscate sensitive values first.
func (e *Event) WithDetail(key string, value any) *Event {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithAPIKey records the obfuscated public key.
func (e *Event) WithAPIKey(apiKey string) *Event {
	if apiKey == "" {
		return e
	}
	return e.WithDetail("api_key", obfuscate.APIKey(apiKey))
}

// WithError adds error information and marks the event failed.
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Result = ResultFailure
		return e.WithDetail("error", err.Error())
	}
	return e
}

// WithReason records a machine-readable reason code.
func (e *Event) WithReason(code string) *Event {
	return e.WithDetail("reason", code)
}
