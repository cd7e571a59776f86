// Package refresh verifies and refreshes the bearer token against the
// backend. Concurrent callers are collapsed into one in-flight attempt, and
// retries back off exponentially with failures classified by retryability.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tbranner/sessiond/internal/logging"
)

var refreshLog = logging.ForComponent(logging.CompRefresh)

// Validator performs one token-liveness check against the backend. A nil
// error means the token is accepted; newToken carries the replacement when
// the backend rotates tokens (it may equal the input).
type Validator interface {
	Validate(ctx context.Context, token string) (newToken string, err error)
}

// Policy bounds one retry sequence. Immutable while a sequence runs; swap it
// between calls with SetPolicy.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultPolicy is used when no policy is configured.
var DefaultPolicy = Policy{
	MaxAttempts:       3,
	BaseDelay:         time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2,
}

// Delay returns the pause before attempt k+1, following
// min(base * multiplier^(k-1), max) for attempt k.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = DefaultPolicy.BackoffMultiplier
	}
	return p
}

// Result is the outcome of one (possibly deduplicated) refresh sequence.
type Result struct {
	Success    bool
	NewToken   string
	Category   Category
	Err        error
	RetryAfter time.Duration
}

// ErrCooldown is returned when a refresh is requested before the minimum
// spacing since the previous attempt has elapsed.
var ErrCooldown = errors.New("refresh: attempt cooldown active")

// DefaultCooldown is the minimum spacing between refresh sequences across
// all callers, bounding request volume under pathological conditions.
const DefaultCooldown = 30 * time.Second

// Service coordinates token refresh attempts.
type Service struct {
	validator Validator

	mu          sync.Mutex
	policy      Policy
	cooldown    time.Duration
	limiter     *rate.Limiter
	lastAttempt time.Time

	sf singleflight.Group
}

// NewService creates a refresh service. cooldown <= 0 selects
// DefaultCooldown.
func NewService(validator Validator, policy Policy, cooldown time.Duration) *Service {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Service{
		validator: validator,
		policy:    policy.normalized(),
		cooldown:  cooldown,
		limiter:   rate.NewLimiter(rate.Every(cooldown), 1),
	}
}

// SetPolicy swaps the retry policy for subsequent sequences.
func (s *Service) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p.normalized()
	s.mu.Unlock()
}

// ShouldAttemptRefresh reports whether the cooldown allows an attempt now.
func (s *Service) ShouldAttemptRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter.Tokens() >= 1
}

// Refresh runs a token refresh sequence. Callers arriving while a sequence
// is in flight receive that sequence's result instead of triggering another
// round of network calls.
func (s *Service) Refresh(ctx context.Context, current string) Result {
	v, _, _ := s.sf.Do("refresh", func() (any, error) {
		return s.run(ctx, current), nil
	})
	return v.(Result)
}

func (s *Service) run(ctx context.Context, current string) Result {
	s.mu.Lock()
	policy := s.policy
	if !s.limiter.Allow() {
		remaining := s.cooldown - time.Since(s.lastAttempt)
		if remaining < 0 {
			remaining = 0
		}
		s.mu.Unlock()
		refreshLog.Debug("refresh_cooldown", slog.Duration("retry_after", remaining))
		return Result{Err: ErrCooldown, Category: CategoryUnknown, RetryAfter: remaining}
	}
	s.lastAttempt = time.Now()
	s.mu.Unlock()

	var lastErr error
	var lastCat Category
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		newToken, err := s.validator.Validate(ctx, current)
		if err == nil {
			refreshLog.Info("refresh_succeeded", slog.Int("attempt", attempt))
			return Result{Success: true, NewToken: newToken}
		}

		lastErr = err
		lastCat = Classify(err)
		refreshLog.Warn("refresh_attempt_failed",
			slog.Int("attempt", attempt),
			slog.String("category", string(lastCat)),
			slog.String("error", err.Error()))

		// Auth rejections are terminal: no remaining attempt can succeed.
		if !lastCat.Retryable() {
			break
		}
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return Result{Err: ctx.Err(), Category: CategoryNetwork}
		case <-time.After(policy.Delay(attempt)):
		}
	}

	return Result{Err: lastErr, Category: lastCat}
}

// Reset clears cooldown and attempt state, for tests and manual recovery.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiter = rate.NewLimiter(rate.Every(s.cooldown), 1)
	s.lastAttempt = time.Time{}
}
