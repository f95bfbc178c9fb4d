// Package developer defines developer credentials, their usage limits and log
// entries, the interfaces the credential store implements, and the Authenticator
// that resolves an inbound key/secret pair into a developer identity.
package developer

import (
	"time"

	"github.com/robotpdf/devkeys/internal/credential"
	"github.com/robotpdf/devkeys/internal/obfuscate"
	"go.uber.org/zap/zapcore"
)

// Developer is one issued credential pair. SecretHash never leaves the process.
type Developer struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Email       string                 `json:"email,omitempty"`
	APIKey      string                 `json:"api_key"`
	SecretHash  string                 `json:"-"`
	Environment credential.Environment `json:"environment"`
	IsActive    bool                   `json:"is_active"`
	OwnerUserID *string                `json:"owner_user_id,omitempty"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// OwnedBy reports whether the developer belongs to userID.
func (d Developer) OwnedBy(userID string) bool {
	return userID != "" && d.OwnerUserID != nil && *d.OwnerUserID == userID
}

// Identity returns the minimal projection attached to authenticated requests.
func (d Developer) Identity() Identity {
	return Identity{ID: d.ID, Name: d.Name, Email: d.Email}
}

// Identity is the resolved caller of a metered request.
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// AnonymousIdentity is returned by optional authentication when no credentials were sent.
var AnonymousIdentity = Identity{Anonymous: true}

// IssuedCredentials carries a plaintext secret. It exists only on the creation
// and regeneration paths; its String and MarshalLogObject methods redact the secret.
type IssuedCredentials struct {
	APIKey    string
	APISecret string
}

// String implements fmt.Stringer without the secret.
func (c IssuedCredentials) String() string {
	return "IssuedCredentials{" + obfuscate.APIKey(c.APIKey) + ", " + obfuscate.Secret(c.APISecret) + "}"
}

// GoString keeps %#v from printing the secret.
func (c IssuedCredentials) GoString() string {
	return c.String()
}

// MarshalLogObject implements zapcore.ObjectMarshaler without the secret.
func (c IssuedCredentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("api_key", obfuscate.APIKey(c.APIKey))
	enc.AddString("api_secret", obfuscate.Secret(c.APISecret))
	return nil
}

// DeveloperCreated is the result of creating a developer: the stored record, its
// limits and the one-time plaintext credentials.
type DeveloperCreated struct {
	Developer   Developer
	Limit       UsageLimit
	Credentials IssuedCredentials
}

// MarshalLogObject implements zapcore.ObjectMarshaler without the secret.
func (c DeveloperCreated) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("developer_id", c.Developer.ID)
	return enc.AddObject("credentials", c.Credentials)
}

// UsageLimit is the monthly quota and per-minute ceiling of one developer.
type UsageLimit struct {
	DeveloperID        string    `json:"developer_id"`
	MonthlyLimit       int       `json:"monthly_limit"`
	CurrentMonthUsed   int       `json:"current_month_used"`
	CurrentMonth       string    `json:"current_month"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LimitDefaults seeds UsageLimit rows for new developers and for rows created lazily.
type LimitDefaults struct {
	MonthlyLimit       int
	RateLimitPerMinute int
}

// DefaultLimitDefaults returns 1000 calls per month and 100 per minute.
func DefaultLimitDefaults() LimitDefaults {
	return LimitDefaults{MonthlyLimit: 1000, RateLimitPerMinute: 100}
}

// Outcome classifies a logged call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// UsageLogEntry is an append-only record of calls to one tool.
// UsageCount is greater than one when calls were batched before writing.
type UsageLogEntry struct {
	ID          int64     `json:"id"`
	DeveloperID string    `json:"developer_id"`
	ToolName    string    `json:"tool_name"`
	Outcome     Outcome   `json:"outcome"`
	UsageCount  int       `json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// ToolUsage is the per-tool aggregate over a time range.
type ToolUsage struct {
	ToolName   string    `json:"tool_name"`
	UsageCount int       `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at"`
}
