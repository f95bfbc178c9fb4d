package lifecycle

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/robotpdf/devkeys/internal/credential"
	"github.com/robotpdf/devkeys/internal/developer"
)

const (
	maxNameLength = 255
	// ownerMetadataKey is accepted from admins as an alias for OwnerUserID.
	ownerMetadataKey = "user_id"
)

// CreateInput describes a new developer. Nil limits take the configured defaults.
type CreateInput struct {
	Name               string                 `json:"name"`
	Email              string                 `json:"email,omitempty"`
	MonthlyLimit       *int                   `json:"monthly_limit,omitempty"`
	RateLimitPerMinute *int                   `json:"rate_limit_per_minute,omitempty"`
	Environment        credential.Environment `json:"environment,omitempty"`
	Metadata           map[string]string      `json:"metadata,omitempty"`
	// OwnerUserID is honoured for admins only; self-service keys belong to the caller.
	OwnerUserID string `json:"owner_user_id,omitempty"`
}

// UpdateInput is a partial update. Nil fields are left unchanged; a non-nil
// Metadata replaces the stored map.
type UpdateInput struct {
	Name     *string           `json:"name,omitempty"`
	Email    *string           `json:"email,omitempty"`
	IsActive *bool             `json:"is_active,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LimitsInput changes ceilings. Nil fields are left unchanged.
type LimitsInput struct {
	MonthlyLimit       *int `json:"monthly_limit,omitempty"`
	RateLimitPerMinute *int `json:"rate_limit_per_minute,omitempty"`
}

// ListOptions narrows List. OwnerUserID is only honoured for admins.
type ListOptions struct {
	OwnerUserID string
	ActiveOnly  bool
	Limit       int
	Offset      int
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{developer.ErrInvalidInput}, args...)...)
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name is required")
	}
	if len(name) > maxNameLength {
		return "", invalid("name must be at most %d characters", maxNameLength)
	}
	return name, nil
}

func validateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email is not a valid address")
	}
	return email, nil
}

func validateLimits(monthly, rate *int) error {
	if monthly != nil && *monthly < 0 {
		return invalid("monthly_limit must be zero or greater")
	}
	if rate != nil && *rate < 1 {
		return invalid("rate_limit_per_minute must be at least 1")
	}
	return nil
}

// cleanMetadata copies m without the ownership key, which lives in its own column.
func cleanMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k == ownerMetadataKey {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
