// Package credits implements the per-user rolling daily credit ledger.
package credits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"portraitd/internal/domain"
	"portraitd/internal/infra"
	"portraitd/internal/metrics"
)

const (
	DefaultDailyLimit = 50
	DefaultWindow     = 24 * time.Hour
)

// Store persists credit accounts. Mutate must run fn and persist its result as
// one atomic read-modify-write per user, creating the account on first use.
// The returned account is what was stored.
type Store interface {
	Mutate(ctx context.Context, userID string, fn func(domain.CreditAccount) domain.CreditAccount) (domain.CreditAccount, error)
	Get(ctx context.Context, userID string) (domain.CreditAccount, error)
}

// Options configures a Ledger.
type Options struct {
	DailyLimit int
	Window     time.Duration
	// Bypass admits without debiting. Resets are still applied.
	Bypass bool
	Now    func() time.Time
	Logger *infra.Logger
}

// Ledger gates generation attempts against a user's credits.
type Ledger struct {
	store  Store
	limit  int
	window time.Duration
	bypass bool
	now    func() time.Time
	logger *infra.Logger
}

// NewLedger wires a ledger over store.
func NewLedger(store Store, opts Options) *Ledger {
	limit := opts.DailyLimit
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Ledger{store: store, limit: limit, window: window, bypass: opts.Bypass, now: now, logger: logger}
}

// DailyLimit returns the configured reset value.
func (l *Ledger) DailyLimit() int { return l.limit }

// Admit applies any due reset, then debits cost if the balance covers it. A
// denied admission returns admitted=false with a nil error and leaves the
// balance untouched apart from the reset.
func (l *Ledger) Admit(ctx context.Context, userID string, cost int) (bool, int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, 0, fmt.Errorf("credits: %w: user id is required", domain.ErrInvalidRequest)
	}
	if cost <= 0 {
		return false, 0, fmt.Errorf("credits: %w: cost must be positive", domain.ErrInvalidRequest)
	}

	var admitted, reset bool
	now := l.now()
	acct, err := l.store.Mutate(ctx, userID, func(acct domain.CreditAccount) domain.CreditAccount {
		acct, reset = l.applyReset(acct, now)
		switch {
		case l.bypass:
			admitted = true
		case acct.Credits >= cost:
			acct.Credits -= cost
			admitted = true
		default:
			admitted = false
		}
		return acct
	})
	if err != nil {
		return false, 0, fmt.Errorf("credits: admit %s: %w", userID, err)
	}

	outcome := "admitted"
	if !admitted {
		outcome = "denied"
	}
	metrics.CreditAdmissions.WithLabelValues(outcome).Inc()
	l.logger.Debug().
		Str("user_id", userID).
		Int("cost", cost).
		Bool("reset", reset).
		Bool("admitted", admitted).
		Int("remaining", acct.Credits).
		Msg("credits: admission decided")
	return admitted, acct.Credits, nil
}

// Refund returns cost to a user whose admitted work never got stored. The
// balance never rises above the daily limit, so a reset in between absorbs it.
func (l *Ledger) Refund(ctx context.Context, userID string, cost int) (int, error) {
	if cost <= 0 {
		return 0, fmt.Errorf("credits: %w: cost must be positive", domain.ErrInvalidRequest)
	}
	if l.bypass {
		acct, err := l.store.Get(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("credits: refund %s: %w", userID, err)
		}
		return acct.Credits, nil
	}
	now := l.now()
	acct, err := l.store.Mutate(ctx, userID, func(acct domain.CreditAccount) domain.CreditAccount {
		acct, _ = l.applyReset(acct, now)
		acct.Credits = min(acct.Credits+cost, l.limit)
		return acct
	})
	if err != nil {
		return 0, fmt.Errorf("credits: refund %s: %w", userID, err)
	}
	metrics.CreditAdmissions.WithLabelValues("refunded").Inc()
	l.logger.Info().Str("user_id", userID).Int("cost", cost).Int("remaining", acct.Credits).Msg("credits: refunded")
	return acct.Credits, nil
}

// Balance reports the credits the user would have on their next admission
// and when the window rolls over next. Nothing is written.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, time.Time, error) {
	acct, err := l.store.Get(ctx, userID)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("credits: balance %s: %w", userID, err)
	}
	now := l.now()
	acct, _ = l.applyReset(acct, now)
	return acct.Credits, acct.LastResetAt.Add(l.window), nil
}

// Grant sets a user's balance and restarts their window. Operator use only.
func (l *Ledger) Grant(ctx context.Context, userID string, credits int) (domain.CreditAccount, error) {
	if credits < 0 {
		return domain.CreditAccount{}, fmt.Errorf("credits: %w: credits must not be negative", domain.ErrInvalidRequest)
	}
	now := l.now()
	acct, err := l.store.Mutate(ctx, userID, func(acct domain.CreditAccount) domain.CreditAccount {
		acct.Credits = credits
		acct.LastResetAt = &now
		return acct
	})
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("credits: grant %s: %w", userID, err)
	}
	return acct, nil
}

func (l *Ledger) applyReset(acct domain.CreditAccount, now time.Time) (domain.CreditAccount, bool) {
	if acct.LastResetAt != nil && now.Sub(*acct.LastResetAt) < l.window {
		return acct, false
	}
	stamp := now
	acct.Credits = l.limit
	acct.LastResetAt = &stamp
	return acct, true
}
