// Package limiter enforces the per-user request gates: requests per minute,
// concurrent in-flight sends, and the daily platform-token budget with its
// reserve/commit/release protocol for streaming.
package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/kv"
)

// Limits holds the configured per-user ceilings.
type Limits struct {
	RPM         int
	Concurrent  int
	DailyTokens int64
}

const (
	rpmWindow = time.Minute

	// inFlightTTL bounds counter leakage when a decrement is lost (process
	// crash between Phase 1 and finalize).
	inFlightTTL = 15 * time.Minute

	// dayKeyTTL keeps budget counters around past the UTC day boundary so
	// late commits still land, then lets redis reclaim them.
	dayKeyTTL = 48 * time.Hour

	chargeMarkerTTL = 24 * time.Hour
)

// Limiter evaluates the three gates against the shared KV store. RPM and
// in-flight fail open when the store is unreachable; the budget check fails
// closed because it guards spend on the platform key.
type Limiter struct {
	kv     kv.Store
	limits Limits
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Limiter.
func New(store kv.Store, limits Limits, logger zerolog.Logger) *Limiter {
	return &Limiter{kv: store, limits: limits, logger: logger, now: time.Now}
}

func rpmKey(userID uuid.UUID) string      { return "rate:rpm:" + userID.String() }
func inFlightKey(userID uuid.UUID) string { return "rate:inflight:" + userID.String() }

func (l *Limiter) day() string { return l.now().UTC().Format("2006-01-02") }

func (l *Limiter) spentKey(userID uuid.UUID) string {
	return "budget:spent:" + userID.String() + ":" + l.day()
}

func (l *Limiter) reservedKey(userID uuid.UUID) string {
	return "budget:reserved:" + userID.String() + ":" + l.day()
}

func chargeKey(messageID uuid.UUID) string { return "budget:charged:" + messageID.String() }
func reservationKey(assistantID uuid.UUID) string {
	return "budget:resv:" + assistantID.String()
}

// AllowRequest applies the sliding-window RPM gate.
func (l *Limiter) AllowRequest(ctx context.Context, userID uuid.UUID) error {
	n, err := l.kv.WindowCount(ctx, rpmKey(userID), rpmWindow)
	if err != nil {
		l.logger.Warn().Err(err).Msg("rpm gate unavailable, failing open")
		return nil
	}
	if n > int64(l.limits.RPM) {
		return apperr.New(apperr.ERateLimited, "too many requests, slow down")
	}
	return nil
}

// AcquireInFlight claims one concurrency slot. The caller must pair it with
// ReleaseInFlight on every finalize path, success or error.
func (l *Limiter) AcquireInFlight(ctx context.Context, userID uuid.UUID) error {
	n, err := l.kv.IncrBy(ctx, inFlightKey(userID), 1, inFlightTTL)
	if err != nil {
		l.logger.Warn().Err(err).Msg("in-flight gate unavailable, failing open")
		return nil
	}
	if n > int64(l.limits.Concurrent) {
		if _, err := l.kv.DecrBy(ctx, inFlightKey(userID), 1); err != nil {
			l.logger.Warn().Err(err).Msg("undo in-flight increment")
		}
		return apperr.New(apperr.ERateLimited, "too many concurrent requests")
	}
	return nil
}

// ReleaseInFlight returns a concurrency slot. Best effort; a lost decrement
// self-heals when the key's TTL lapses.
func (l *Limiter) ReleaseInFlight(ctx context.Context, userID uuid.UUID) {
	n, err := l.kv.DecrBy(ctx, inFlightKey(userID), 1)
	if err != nil {
		l.logger.Warn().Err(err).Msg("release in-flight slot")
		return
	}
	if n < 0 {
		if err := l.kv.Del(ctx, inFlightKey(userID)); err != nil {
			l.logger.Warn().Err(err).Msg("reset in-flight counter")
		}
	}
}

// CheckBudget verifies that spent + reserved + est fits the daily budget.
// Unlike the other gates this fails closed: it protects real spend.
func (l *Limiter) CheckBudget(ctx context.Context, userID uuid.UUID, est int64) error {
	spent, err := l.getInt(ctx, l.spentKey(userID))
	if err != nil {
		return apperr.Wrap(apperr.ETokenBudgetExceeded, "budget check unavailable", err)
	}
	reserved, err := l.getInt(ctx, l.reservedKey(userID))
	if err != nil {
		return apperr.Wrap(apperr.ETokenBudgetExceeded, "budget check unavailable", err)
	}
	if spent+reserved+est > l.limits.DailyTokens {
		return apperr.New(apperr.ETokenBudgetExceeded, "daily token budget exceeded")
	}
	return nil
}

// Charge adds tokens to the user's daily spend, at most once per message.
// Replays of the same assistant message id are no-ops.
func (l *Limiter) Charge(ctx context.Context, userID, messageID uuid.UUID, tokens int64) {
	if tokens <= 0 {
		return
	}
	first, err := l.kv.SetNX(ctx, chargeKey(messageID), "1", chargeMarkerTTL)
	if err != nil {
		l.logger.Warn().Err(err).Msg("budget charge marker unavailable")
		return
	}
	if !first {
		return
	}
	if _, err := l.kv.IncrBy(ctx, l.spentKey(userID), tokens, dayKeyTTL); err != nil {
		l.logger.Warn().Err(err).Int64("token_count", tokens).Msg("budget charge lost")
	}
}

// Reserve tentatively holds est tokens against the daily budget for a
// streaming call. The reservation auto-expires after ttl; Commit or Release
// settles it sooner.
func (l *Limiter) Reserve(ctx context.Context, userID, assistantID uuid.UUID, est int64, ttl time.Duration) error {
	if err := l.CheckBudget(ctx, userID, est); err != nil {
		return err
	}
	if err := l.kv.Set(ctx, reservationKey(assistantID), strconv.FormatInt(est, 10), ttl); err != nil {
		return apperr.Wrap(apperr.ETokenBudgetExceeded, "budget reserve unavailable", err)
	}
	if _, err := l.kv.IncrBy(ctx, l.reservedKey(userID), est, dayKeyTTL); err != nil {
		return apperr.Wrap(apperr.ETokenBudgetExceeded, "budget reserve unavailable", err)
	}
	return nil
}

// Commit settles a reservation: the estimate leaves the reserved counter and
// the actual token count lands on spend, idempotently per assistant message.
func (l *Limiter) Commit(ctx context.Context, userID, assistantID uuid.UUID, actual int64) {
	l.settle(ctx, userID, assistantID)
	l.Charge(ctx, userID, assistantID, actual)
}

// Release drops a reservation without charging anything, for failures before
// the provider call.
func (l *Limiter) Release(ctx context.Context, userID, assistantID uuid.UUID) {
	l.settle(ctx, userID, assistantID)
}

func (l *Limiter) settle(ctx context.Context, userID, assistantID uuid.UUID) {
	raw, ok, err := l.kv.GetDel(ctx, reservationKey(assistantID))
	if err != nil {
		l.logger.Warn().Err(err).Msg("settle reservation")
		return
	}
	if !ok {
		// Already settled, or the reservation TTL lapsed and the reserved
		// counter will drain with the day key.
		return
	}
	est, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.logger.Warn().Str("raw_count", raw).Msg("malformed reservation value")
		return
	}
	if n, err := l.kv.DecrBy(ctx, l.reservedKey(userID), est); err != nil {
		l.logger.Warn().Err(err).Msg("decrement reserved counter")
	} else if n < 0 {
		if err := l.kv.Del(ctx, l.reservedKey(userID)); err != nil {
			l.logger.Warn().Err(err).Msg("reset reserved counter")
		}
	}
}

func (l *Limiter) getInt(ctx context.Context, key string) (int64, error) {
	raw, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}
