// Package lifecycle creates, rotates and retires developer credentials for two
// kinds of caller: admins, who manage every developer, and end users, who manage
// only the developers they own.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robotpdf/devkeys/internal/audit"
	"github.com/robotpdf/devkeys/internal/credential"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/encryption"
	"github.com/robotpdf/devkeys/internal/logging"
	"github.com/robotpdf/devkeys/internal/metering"
	"github.com/robotpdf/devkeys/internal/metrics"
	"go.uber.org/zap"
)

// DefaultSelfServiceKeyCap is the number of active developers one end user may own.
const DefaultSelfServiceKeyCap = 5

// maxGenerateAttempts bounds retries when a generated api key collides.
const maxGenerateAttempts = 3

// Config configures a Service.
type Config struct {
	Defaults          developer.LimitDefaults
	SelfServiceKeyCap int
	Environment       credential.Environment
	Hasher            encryption.SecretHasher
	Audit             audit.Sink
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
}

// Service is the Lifecycle Administrator.
type Service struct {
	store    developer.Store
	limits   developer.LimitStore
	limiter  *metering.Limiter
	reporter *metering.UsageReporter

	defaults developer.LimitDefaults
	keyCap   int
	env      credential.Environment
	hasher   encryption.SecretHasher
	audit    audit.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// DeveloperDetails is a developer with its current usage.
type DeveloperDetails struct {
	Developer developer.Developer   `json:"developer"`
	Usage     metering.UsageSummary `json:"usage"`
}

// NewService creates a Service.
func NewService(store developer.Store, limits developer.LimitStore, limiter *metering.Limiter, reporter *metering.UsageReporter, cfg Config) (*Service, error) {
	if store == nil || limits == nil || limiter == nil || reporter == nil {
		return nil, errors.New("store, limits, limiter and reporter are required")
	}
	if cfg.Defaults == (developer.LimitDefaults{}) {
		cfg.Defaults = developer.DefaultLimitDefaults()
	}
	if cfg.SelfServiceKeyCap <= 0 {
		cfg.SelfServiceKeyCap = DefaultSelfServiceKeyCap
	}
	if cfg.Environment == "" {
		cfg.Environment = credential.EnvironmentLive
	}
	if cfg.Hasher == nil {
		cfg.Hasher = encryption.NewSHA256Hasher()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewNullLogger()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		limits:   limits,
		limiter:  limiter,
		reporter: reporter,
		defaults: cfg.Defaults,
		keyCap:   cfg.SelfServiceKeyCap,
		env:      cfg.Environment,
		hasher:   cfg.Hasher,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      time.Now,
	}, nil
}

// Create issues a new developer. The returned credentials hold the only copy of
// the plaintext secret. Self-service callers own the new developer, cannot set
// limits and are capped at the configured number of active developers.
func (s *Service) Create(ctx context.Context, caller Caller, in CreateInput) (developer.DeveloperCreated, error) {
	created, err := s.create(ctx, caller, in)
	event := audit.NewEvent(audit.ActionDeveloperCreate, caller.actor(), audit.ResultSuccess).
		WithContext(ctx).
		WithDeveloperID(created.Developer.ID).
		WithAPIKey(created.Developer.APIKey).
		WithError(err)
	s.record(ctx, event)
	if err != nil {
		return developer.DeveloperCreated{}, err
	}
	s.logger.Info("developer created",
		append(logging.RequestFields(ctx),
			zap.String("developer_id", created.Developer.ID),
			zap.Object("issued", created))...)
	return created, nil
}

func (s *Service) create(ctx context.Context, caller Caller, in CreateInput) (developer.DeveloperCreated, error) {
	if err := requireCaller(caller); err != nil {
		return developer.DeveloperCreated{}, err
	}
	name, err := validateName(in.Name)
	if err != nil {
		return developer.DeveloperCreated{}, err
	}
	email, err := validateEmail(in.Email)
	if err != nil {
		return developer.DeveloperCreated{}, err
	}
	if err := validateLimits(in.MonthlyLimit, in.RateLimitPerMinute); err != nil {
		return developer.DeveloperCreated{}, err
	}
	env := s.env
	if in.Environment != "" {
		if env, err = credential.ParseEnvironment(string(in.Environment)); err != nil {
			return developer.DeveloperCreated{}, invalid("%v", err)
		}
	}

	var (
		owner *string
		opts  developer.CreateOptions
	)
	if caller.Admin {
		ownerID := in.OwnerUserID
		if ownerID == "" {
			ownerID = in.Metadata[ownerMetadataKey]
		}
		if ownerID != "" {
			owner = &ownerID
		}
	} else {
		if in.MonthlyLimit != nil || in.RateLimitPerMinute != nil {
			return developer.DeveloperCreated{}, fmt.Errorf("%w: limits can only be set by an administrator", developer.ErrUnauthorized)
		}
		ownerID := caller.UserID
		owner = &ownerID
		opts.MaxActivePerOwner = s.keyCap
	}

	now := s.now().UTC()
	limit := developer.UsageLimit{
		MonthlyLimit:       s.defaults.MonthlyLimit,
		RateLimitPerMinute: s.defaults.RateLimitPerMinute,
		CurrentMonth:       metering.MonthTag(now),
		UpdatedAt:          now,
	}
	if in.MonthlyLimit != nil {
		limit.MonthlyLimit = *in.MonthlyLimit
	}
	if in.RateLimitPerMinute != nil {
		limit.RateLimitPerMinute = *in.RateLimitPerMinute
	}

	for attempt := 1; ; attempt++ {
		id, err := uuid.NewV7()
		if err != nil {
			return developer.DeveloperCreated{}, fmt.Errorf("failed to generate developer id: %w", err)
		}
		apiKey, apiSecret, err := credential.GenerateKeyPair(env)
		if err != nil {
			return developer.DeveloperCreated{}, err
		}
		hash, err := s.hasher.Hash(apiSecret)
		if err != nil {
			return developer.DeveloperCreated{}, fmt.Errorf("failed to hash api secret: %w", err)
		}

		dev := developer.Developer{
			ID:          id.String(),
			Name:        name,
			Email:       email,
			APIKey:      apiKey,
			SecretHash:  hash,
			Environment: env,
			IsActive:    true,
			OwnerUserID: owner,
			Metadata:    cleanMetadata(in.Metadata),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		limit.DeveloperID = dev.ID

		err = s.store.CreateDeveloper(ctx, dev, limit, opts)
		if errors.Is(err, developer.ErrDuplicateAPIKey) && attempt < maxGenerateAttempts {
			continue
		}
		if err != nil {
			return developer.DeveloperCreated{}, storeError(err)
		}
		return developer.DeveloperCreated{
			Developer:   dev,
			Limit:       limit,
			Credentials: developer.IssuedCredentials{APIKey: apiKey, APISecret: apiSecret},
		}, nil
	}
}

// List returns developers visible to caller, newest first.
func (s *Service) List(ctx context.Context, caller Caller, opts ListOptions) ([]developer.Developer, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	filter := developer.ListFilter{ActiveOnly: opts.ActiveOnly, Limit: opts.Limit, Offset: opts.Offset}
	switch {
	case !caller.Admin:
		userID := caller.UserID
		filter.OwnerUserID = &userID
	case opts.OwnerUserID != "":
		ownerID := opts.OwnerUserID
		filter.OwnerUserID = &ownerID
	}
	devs, err := s.store.ListDevelopers(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	if devs == nil {
		devs = []developer.Developer{}
	}
	return devs, nil
}

// Get returns a developer with its limits and current-month usage per tool.
func (s *Service) Get(ctx context.Context, caller Caller, id string) (DeveloperDetails, error) {
	dev, err := s.authorize(ctx, caller, id)
	if err != nil {
		return DeveloperDetails{}, err
	}
	usage, err := s.usage(ctx, dev.ID, metering.TimeRange{})
	if err != nil {
		return DeveloperDetails{}, err
	}
	return DeveloperDetails{Developer: dev, Usage: usage}, nil
}

// Update applies a partial update. api_key and the secret hash are never changed
// here. Self-service callers may deactivate their developers but not reactivate them.
func (s *Service) Update(ctx context.Context, caller Caller, id string, in UpdateInput) (developer.Developer, error) {
	dev, err := s.update(ctx, caller, id, in)
	event := audit.NewEvent(audit.ActionDeveloperUpdate, caller.actor(), audit.ResultSuccess).
		WithContext(ctx).
		WithDeveloperID(id).
		WithError(err)
	if in.IsActive != nil {
		event.WithDetail("is_active", *in.IsActive)
	}
	s.record(ctx, event)
	return dev, err
}

func (s *Service) update(ctx context.Context, caller Caller, id string, in UpdateInput) (developer.Developer, error) {
	dev, err := s.authorize(ctx, caller, id)
	if err != nil {
		return developer.Developer{}, err
	}
	if in.Name != nil {
		if dev.Name, err = validateName(*in.Name); err != nil {
			return developer.Developer{}, err
		}
	}
	if in.Email != nil {
		if dev.Email, err = validateEmail(*in.Email); err != nil {
			return developer.Developer{}, err
		}
	}
	if in.IsActive != nil {
		if *in.IsActive && !dev.IsActive && !caller.Admin {
			return developer.Developer{}, fmt.Errorf("%w: only an administrator can reactivate a developer", developer.ErrUnauthorized)
		}
		dev.IsActive = *in.IsActive
	}
	if in.Metadata != nil {
		dev.Metadata = cleanMetadata(in.Metadata)
	}
	dev.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateDeveloper(ctx, dev); err != nil {
		return developer.Developer{}, storeError(err)
	}
	return dev, nil
}

// RegenerateSecret replaces the developer's secret. The api key is unchanged and
// the old secret stops verifying as soon as the new hash is stored.
func (s *Service) RegenerateSecret(ctx context.Context, caller Caller, id string) (developer.IssuedCredentials, error) {
	creds, err := s.regenerate(ctx, caller, id)
	s.record(ctx, audit.NewEvent(audit.ActionDeveloperRegenerate, caller.actor(), audit.ResultSuccess).
		WithContext(ctx).
		WithDeveloperID(id).
		WithAPIKey(creds.APIKey).
		WithError(err))
	if err != nil {
		return developer.IssuedCredentials{}, err
	}
	s.logger.Info("developer secret regenerated",
		append(logging.RequestFields(ctx), zap.String("developer_id", id), zap.Object("issued", creds))...)
	return creds, nil
}

func (s *Service) regenerate(ctx context.Context, caller Caller, id string) (developer.IssuedCredentials, error) {
	dev, err := s.authorize(ctx, caller, id)
	if err != nil {
		return developer.IssuedCredentials{}, err
	}
	env := dev.Environment
	if known, ok := credential.EnvironmentOf(dev.APIKey); ok {
		env = known
	}
	secret, err := credential.GenerateSecret(env)
	if err != nil {
		return developer.IssuedCredentials{}, err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return developer.IssuedCredentials{}, fmt.Errorf("failed to hash api secret: %w", err)
	}
	if err := s.store.UpdateSecretHash(ctx, dev.ID, hash, s.now().UTC()); err != nil {
		return developer.IssuedCredentials{}, storeError(err)
	}
	return developer.IssuedCredentials{APIKey: dev.APIKey, APISecret: secret}, nil
}

// UpdateLimits changes a developer's ceilings. Admin only.
func (s *Service) UpdateLimits(ctx context.Context, caller Caller, id string, in LimitsInput) (developer.UsageLimit, error) {
	limit, err := s.updateLimits(ctx, caller, id, in)
	event := audit.NewEvent(audit.ActionDeveloperLimits, caller.actor(), audit.ResultSuccess).
		WithContext(ctx).
		WithDeveloperID(id).
		WithError(err)
	if in.MonthlyLimit != nil {
		event.WithDetail("monthly_limit", *in.MonthlyLimit)
	}
	if in.RateLimitPerMinute != nil {
		event.WithDetail("rate_limit_per_minute", *in.RateLimitPerMinute)
	}
	s.record(ctx, event)
	return limit, err
}

func (s *Service) updateLimits(ctx context.Context, caller Caller, id string, in LimitsInput) (developer.UsageLimit, error) {
	if err := requireAdmin(caller); err != nil {
		return developer.UsageLimit{}, err
	}
	if err := validateLimits(in.MonthlyLimit, in.RateLimitPerMinute); err != nil {
		return developer.UsageLimit{}, err
	}
	dev, err := s.authorize(ctx, caller, id)
	if err != nil {
		return developer.UsageLimit{}, err
	}
	if err := s.ensureLimit(ctx, dev.ID); err != nil {
		return developer.UsageLimit{}, err
	}
	if err := s.limits.UpdateUsageLimits(ctx, dev.ID, in.MonthlyLimit, in.RateLimitPerMinute, s.now().UTC()); err != nil {
		return developer.UsageLimit{}, storeError(err)
	}
	limit, err := s.limits.GetUsageLimit(ctx, dev.ID)
	if err != nil {
		return developer.UsageLimit{}, storeError(err)
	}
	return metering.Effective(limit, s.now()), nil
}

// Delete removes a developer with its limits and usage log.
func (s *Service) Delete(ctx context.Context, caller Caller, id string) error {
	err := s.delete(ctx, caller, id)
	s.record(ctx, audit.NewEvent(audit.ActionDeveloperDelete, caller.actor(), audit.ResultSuccess).
		WithContext(ctx).
		WithDeveloperID(id).
		WithError(err))
	return err
}

func (s *Service) delete(ctx context.Context, caller Caller, id string) error {
	dev, err := s.authorize(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDeveloper(ctx, dev.ID); err != nil {
		return storeError(err)
	}
	return nil
}

// ResetMonthlyUsage zeroes the developer's counter for the current month. Admin only.
func (s *Service) ResetMonthlyUsage(ctx context.Context, caller Caller, id string) error {
	err := s.resetMonthlyUsage(ctx, caller, id)
	s.record(ctx, audit.NewEvent(audit.ActionDeveloperResetUsage, caller.actor(), audit.ResultSuccess).
		WithContext(ctx).
		WithDeveloperID(id).
		WithError(err))
	return err
}

func (s *Service) resetMonthlyUsage(ctx context.Context, caller Caller, id string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	dev, err := s.authorize(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.ensureLimit(ctx, dev.ID); err != nil {
		return err
	}
	if err := s.limiter.ResetMonthlyUsage(ctx, dev.ID); err != nil {
		return storeError(err)
	}
	return nil
}

// Usage summarizes one developer's usage within tr.
func (s *Service) Usage(ctx context.Context, caller Caller, id string, tr metering.TimeRange) (metering.UsageSummary, error) {
	dev, err := s.authorize(ctx, caller, id)
	if err != nil {
		return metering.UsageSummary{}, err
	}
	return s.usage(ctx, dev.ID, tr)
}

// OwnedUsage summarizes every developer owned by a self-service caller.
func (s *Service) OwnedUsage(ctx context.Context, caller Caller, tr metering.TimeRange) ([]metering.UsageSummary, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if caller.Admin {
		return nil, fmt.Errorf("%w: a developer id is required", developer.ErrInvalidInput)
	}
	devs, err := s.List(ctx, caller, ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]metering.UsageSummary, 0, len(devs))
	for _, dev := range devs {
		summary, err := s.usage(ctx, dev.ID, tr)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// Logs pages usage log entries, newest first. Without DeveloperIDs a self-service
// caller sees the entries of every developer they own.
func (s *Service) Logs(ctx context.Context, caller Caller, filter developer.UsageLogFilter) ([]developer.UsageLogEntry, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if filter.From.After(filter.To) && !filter.To.IsZero() {
		return nil, invalid("time range start must be before end")
	}
	if !caller.Admin {
		if len(filter.DeveloperIDs) > 0 {
			for _, id := range filter.DeveloperIDs {
				if _, err := s.authorize(ctx, caller, id); err != nil {
					return nil, err
				}
			}
		} else {
			devs, err := s.List(ctx, caller, ListOptions{})
			if err != nil {
				return nil, err
			}
			if len(devs) == 0 {
				return []developer.UsageLogEntry{}, nil
			}
			for _, dev := range devs {
				filter.DeveloperIDs = append(filter.DeveloperIDs, dev.ID)
			}
		}
	}
	entries, err := s.reporter.Logs(ctx, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return entries, nil
}

func (s *Service) usage(ctx context.Context, id string, tr metering.TimeRange) (metering.UsageSummary, error) {
	if err := s.ensureLimit(ctx, id); err != nil {
		return metering.UsageSummary{}, err
	}
	summary, err := s.reporter.Summary(ctx, id, tr)
	if err != nil {
		return metering.UsageSummary{}, storeError(err)
	}
	return summary, nil
}

// authorize loads the developer and checks that caller may act on it.
func (s *Service) authorize(ctx context.Context, caller Caller, id string) (developer.Developer, error) {
	if err := requireCaller(caller); err != nil {
		return developer.Developer{}, err
	}
	if id == "" {
		return developer.Developer{}, invalid("developer id is required")
	}
	dev, err := s.store.GetDeveloperByID(ctx, id)
	if err != nil {
		return developer.Developer{}, storeError(err)
	}
	if !caller.Admin && !dev.OwnedBy(caller.UserID) {
		return developer.Developer{}, developer.ErrUnauthorized
	}
	return dev, nil
}

// ensureLimit creates a defaults row for developers that predate their limits row.
func (s *Service) ensureLimit(ctx context.Context, id string) error {
	now := s.now().UTC()
	err := s.limits.EnsureUsageLimit(ctx, developer.UsageLimit{
		DeveloperID:        id,
		MonthlyLimit:       s.defaults.MonthlyLimit,
		RateLimitPerMinute: s.defaults.RateLimitPerMinute,
		CurrentMonth:       metering.MonthTag(now),
		UpdatedAt:          now,
	})
	return storeError(err)
}

func (s *Service) record(ctx context.Context, event *audit.Event) {
	s.metrics.ObserveLifecycle(event.Action, string(event.Result))
	if err := s.audit.Log(event); err != nil {
		s.logger.Error("failed to write audit event",
			append(logging.RequestFields(ctx), zap.String("action", event.Action), zap.Error(err))...)
	}
}

func requireCaller(caller Caller) error {
	if !caller.Admin && caller.UserID == "" {
		return fmt.Errorf("%w: no authenticated user", developer.ErrUnauthorized)
	}
	return nil
}

func requireAdmin(caller Caller) error {
	if !caller.Admin {
		return fmt.Errorf("%w: administrator access required", developer.ErrUnauthorized)
	}
	return nil
}

// storeError passes domain errors through and wraps anything else as a store failure.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, developer.ErrNotFound),
		errors.Is(err, developer.ErrLimitExceeded),
		errors.Is(err, developer.ErrUnauthorized),
		errors.Is(err, developer.ErrInvalidInput),
		errors.Is(err, developer.ErrDuplicateAPIKey),
		errors.Is(err, developer.ErrStoreUnavailable):
		return err
	default:
		return developer.Unavailable(err)
	}
}
