package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/swimcoach/internal/auth"
	"github.com/ashita-ai/swimcoach/internal/ctxutil"
	"github.com/ashita-ai/swimcoach/internal/model"
)

// DefaultDailyLimit is the number of analyses a caller gets per UTC day.
const DefaultDailyLimit = 3

// UsageCounter stores per-day usage counts. storage.Store implements it
// over SQL; RedisCounter implements it over Redis.
type UsageCounter interface {
	// IncrementUsage bumps the count for key when it is below limit and
	// returns the resulting count. The check and increment are atomic.
	IncrementUsage(ctx context.Context, key model.UsageKey, limit int) (int, bool, error)
	GetUsage(ctx context.Context, key model.UsageKey) (int, error)
	ResetUsage(ctx context.Context, key model.UsageKey) error
}

// CheckAndIncrement charges one use of resource to identifier for the UTC
// day containing now. It returns whether the use is allowed, the count
// after the call and the limit.
func CheckAndIncrement(ctx context.Context, c UsageCounter, identifier string, kind model.IdentifierKind, resource string, limit int, now time.Time) (bool, int, int, error) {
	key := model.UsageKey{Identifier: identifier, Kind: kind, Resource: resource, Period: model.DayStart(now)}
	count, allowed, err := c.IncrementUsage(ctx, key, limit)
	if err != nil {
		return false, 0, limit, err
	}
	return allowed, count, limit, nil
}

// LimitMessage is the caller-facing text for an exhausted daily limit.
func LimitMessage(limit int) string {
	return fmt.Sprintf("Daily limit of %d analyses reached. Try again tomorrow!", limit)
}

// Subject picks the usage identifier for a caller: the user ID when there
// is one, else the client IP.
func Subject(id ctxutil.Identity) (string, model.IdentifierKind) {
	if id.UserID != "" {
		return id.UserID, model.IdentifierUser
	}
	if id.ClientIP != "" {
		return id.ClientIP, model.IdentifierIP
	}
	return "unknown", model.IdentifierIP
}

// UsagePolicy applies the daily analysis limit. Callers holding a bypass
// key are exempt. Counter failures are logged and the request is allowed.
type UsagePolicy struct {
	counter UsageCounter
	limit   int
	bypass  *auth.KeySet
	logger  *slog.Logger
	now     func() time.Time
}

// NewUsagePolicy creates a policy charging counter. A limit of 0 or less
// uses DefaultDailyLimit.
func NewUsagePolicy(counter UsageCounter, limit int, bypass *auth.KeySet, logger *slog.Logger) *UsagePolicy {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &UsagePolicy{counter: counter, limit: limit, bypass: bypass, logger: logger, now: time.Now}
}

// Limit returns the daily limit.
func (p *UsagePolicy) Limit() int { return p.limit }

// Bypassed reports whether id or the presented API key is exempt.
func (p *UsagePolicy) Bypassed(id ctxutil.Identity, apiKey string) bool {
	return id.Bypass || (apiKey != "" && p.bypass.Contains(apiKey))
}

// Charge consumes one analysis for the caller. The returned bool says
// whether the analysis may run.
func (p *UsagePolicy) Charge(ctx context.Context, id ctxutil.Identity, apiKey string) (model.UsageStatus, bool) {
	now := p.now()
	identifier, kind := Subject(id)
	status := model.UsageStatus{
		Identifier: identifier,
		Resource:   model.ResourceVideoAnalysis,
		Limit:      p.limit,
		ResetsAt:   model.DayStart(now).AddDate(0, 0, 1),
	}

	if p.Bypassed(id, apiKey) {
		status.Bypassed = true
		status.Remaining = p.limit
		p.logger.Info("usage: limit bypassed", "identifier", identifier)
		return status, true
	}

	allowed, count, _, err := CheckAndIncrement(ctx, p.counter, identifier, kind, model.ResourceVideoAnalysis, p.limit, now)
	if err != nil {
		p.logger.Warn("usage: counter unavailable, allowing request", "identifier", identifier, "error", err)
		status.Remaining = p.limit
		return status, true
	}
	status.Count = count
	status.Remaining = max(0, p.limit-count)
	if !allowed {
		p.logger.Info("usage: daily limit reached", "identifier", identifier, "kind", kind, "count", count)
	}
	return status, allowed
}

// Current reports the caller's usage without charging it.
func (p *UsagePolicy) Current(ctx context.Context, identifier string, kind model.IdentifierKind) (model.UsageStatus, error) {
	now := p.now()
	key := model.UsageKey{Identifier: identifier, Kind: kind, Resource: model.ResourceVideoAnalysis, Period: model.DayStart(now)}
	count, err := p.counter.GetUsage(ctx, key)
	if err != nil {
		return model.UsageStatus{}, fmt.Errorf("ratelimit: get usage: %w", err)
	}
	return model.UsageStatus{
		Identifier: identifier,
		Resource:   key.Resource,
		Count:      count,
		Limit:      p.limit,
		Remaining:  max(0, p.limit-count),
		ResetsAt:   key.PeriodEnd(),
	}, nil
}

// Reset clears today's count for identifier.
func (p *UsagePolicy) Reset(ctx context.Context, identifier string, kind model.IdentifierKind) error {
	key := model.UsageKey{Identifier: identifier, Kind: kind, Resource: model.ResourceVideoAnalysis, Period: model.DayStart(p.now())}
	if err := p.counter.ResetUsage(ctx, key); err != nil {
		return fmt.Errorf("ratelimit: reset usage: %w", err)
	}
	return nil
}
