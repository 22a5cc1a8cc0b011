// Package breaker wraps sony/gobreaker with the bounded call-history,
// health snapshotting, and manual override controls the chat bridge's
// circuit breaker (C10) needs around the external dependencies it calls
// through (the agent controller and the GitLab identity provider).
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// Config configures a Breaker. Zero values fall back to DefaultConfig.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	CallTimeout      time.Duration
	MonitorWindow    time.Duration

	// IsExpectedFailure classifies an error returned by a protected call as
	// one that should count against the breaker's failure threshold. A nil
	// IsExpectedFailure treats every error as expected, preserving the
	// previous all-errors-trip behavior. Errors classified as unexpected
	// are recorded as successes and still returned to the caller unchanged.
	IsExpectedFailure func(error) bool
}

// DefaultConfig mirrors the chat bridge's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		CallTimeout:      30 * time.Second,
		MonitorWindow:    5 * time.Minute,
	}
}

// CallAttempt records the outcome of one protected call.
type CallAttempt struct {
	Timestamp time.Time
	Success   bool
	Duration  time.Duration
	Error     string
}

// Stats are cumulative counters for a Breaker.
type Stats struct {
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	RejectedCalls   int64
	Timeouts        int64
	StateTransitions int64
	LastStateChange time.Time
}

// HealthStatus is a point-in-time snapshot suitable for a status endpoint.
type HealthStatus struct {
	Name               string
	State              string
	LastFailureTime    time.Time
	TimeUntilRetry     time.Duration
	RecentSuccessRate  float64
	RecentAvgDuration  time.Duration
	RecentCalls        int
}

const maxHistory = 1000

// Breaker wraps a gobreaker.CircuitBreaker with bounded call history and
// manual force-open/force-closed controls gobreaker does not expose
// natively.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	cb  *gobreaker.CircuitBreaker
	// forced, when non-nil, overrides cb's reported state until Reset.
	forced *gobreaker.State

	historyMu sync.Mutex
	history   []CallAttempt

	statsMu sync.Mutex
	stats   Stats
}

// New builds a named Breaker.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = 5 * time.Minute
	}

	b := &Breaker{name: name, cfg: cfg, logger: logger}
	b.cb = b.newGobreaker()

	logger.Info("circuit breaker initialized", "name", name,
		"failure_threshold", cfg.FailureThreshold, "recovery_timeout", cfg.RecoveryTimeout)
	return b
}

func (b *Breaker) newGobreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: uint32(b.cfg.SuccessThreshold),
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.statsMu.Lock()
			b.stats.StateTransitions++
			b.stats.LastStateChange = time.Now()
			b.statsMu.Unlock()

			switch to {
			case gobreaker.StateOpen:
				b.logger.Warn("circuit breaker opened", "name", name, "from", from.String())
			case gobreaker.StateHalfOpen:
				b.logger.Info("circuit breaker half-opened", "name", name)
			case gobreaker.StateClosed:
				b.logger.Info("circuit breaker closed", "name", name)
			}
		},
	})
}

// ErrOpen is returned (wrapped in a raveerr.KindCircuitOpen error) when the
// breaker rejects a call because it is open.
var ErrOpen = errors.New("circuit breaker is open")

// Call executes fn under circuit breaker protection, enforcing CallTimeout
// and classifying context deadline exceeded as a breaker-tripping failure.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	b.mu.Lock()
	forced := b.forced
	b.mu.Unlock()

	if forced != nil {
		if *forced == gobreaker.StateOpen {
			b.recordRejected()
			return nil, raveerr.Wrap(raveerr.KindCircuitOpen, "circuit breaker '"+b.name+"' is forced open", ErrOpen)
		}
		return b.execute(ctx, fn)
	}

	var passthroughErr error
	result, err := b.cb.Execute(func() (any, error) {
		res, callErr := b.execute(ctx, fn)
		if callErr != nil && !b.isExpectedFailure(callErr) {
			// Not the kind of failure this breaker trips on (e.g. ordinary
			// validation/authz errors rather than a dependency outage):
			// report success to gobreaker's own trip-counting so it never
			// sees this as a failure, but still hand the real error back to
			// the caller of Call below.
			passthroughErr = callErr
			return res, nil
		}
		return res, callErr
	})
	if passthroughErr != nil {
		return result, passthroughErr
	}
	if err != nil && errors.Is(err, gobreaker.ErrOpenState) {
		b.recordRejected()
		return nil, raveerr.Wrap(raveerr.KindCircuitOpen, "circuit breaker '"+b.name+"' is open", ErrOpen)
	}
	if err != nil && errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.recordRejected()
		return nil, raveerr.Wrap(raveerr.KindCircuitOpen, "circuit breaker '"+b.name+"' is half-open with too many trial requests", ErrOpen)
	}
	return result, err
}

// isExpectedFailure reports whether err should count against the breaker's
// failure threshold. A nil IsExpectedFailure classifier treats every error
// as expected.
func (b *Breaker) isExpectedFailure(err error) bool {
	if b.cfg.IsExpectedFailure == nil {
		return true
	}
	return b.cfg.IsExpectedFailure(err)
}

func (b *Breaker) execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	b.statsMu.Lock()
	b.stats.TotalCalls++
	b.statsMu.Unlock()

	result, err := fn(callCtx)
	duration := time.Since(start)

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && err == nil {
		err = context.DeadlineExceeded
	}

	if err != nil {
		if b.isExpectedFailure(err) {
			b.recordFailure(duration, err)
		} else {
			b.recordSuccess(duration)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			b.statsMu.Lock()
			b.stats.Timeouts++
			b.statsMu.Unlock()
		}
		return nil, err
	}

	b.recordSuccess(duration)
	return result, nil
}

func (b *Breaker) recordSuccess(duration time.Duration) {
	b.statsMu.Lock()
	b.stats.SuccessfulCalls++
	b.statsMu.Unlock()

	b.appendHistory(CallAttempt{Timestamp: time.Now(), Success: true, Duration: duration})
}

func (b *Breaker) recordFailure(duration time.Duration, err error) {
	b.statsMu.Lock()
	b.stats.FailedCalls++
	b.statsMu.Unlock()

	b.appendHistory(CallAttempt{Timestamp: time.Now(), Success: false, Duration: duration, Error: err.Error()})
}

func (b *Breaker) recordRejected() {
	b.statsMu.Lock()
	b.stats.RejectedCalls++
	b.statsMu.Unlock()
}

func (b *Breaker) appendHistory(attempt CallAttempt) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, attempt)
	if len(b.history) > maxHistory {
		b.history = append([]CallAttempt{}, b.history[len(b.history)/2:]...)
	}
}

// State reports the breaker's current state: "closed", "open", or
// "half_open". A forced state is reported verbatim.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forced != nil {
		return forcedStateName(*b.forced)
	}
	return forcedStateName(b.cb.State())
}

func forcedStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Stats returns a snapshot of cumulative statistics.
func (b *Breaker) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// HealthStatus summarizes recent behavior within the configured monitor
// window, mirroring the chat bridge's health endpoint fields.
func (b *Breaker) HealthStatus() HealthStatus {
	now := time.Now()
	windowStart := now.Add(-b.cfg.MonitorWindow)

	b.historyMu.Lock()
	var recent []CallAttempt
	var lastFailure time.Time
	for _, a := range b.history {
		if a.Timestamp.After(windowStart) {
			recent = append(recent, a)
		}
		if !a.Success && a.Timestamp.After(lastFailure) {
			lastFailure = a.Timestamp
		}
	}
	b.historyMu.Unlock()

	var successRate float64
	var avgDuration time.Duration
	if len(recent) > 0 {
		var successes int
		var totalDuration time.Duration
		for _, a := range recent {
			if a.Success {
				successes++
			}
			totalDuration += a.Duration
		}
		successRate = float64(successes) / float64(len(recent))
		avgDuration = totalDuration / time.Duration(len(recent))
	}

	timeUntilRetry := time.Duration(0)
	if !lastFailure.IsZero() {
		if remaining := b.cfg.RecoveryTimeout - now.Sub(lastFailure); remaining > 0 {
			timeUntilRetry = remaining
		}
	}

	return HealthStatus{
		Name:              b.name,
		State:             b.State(),
		LastFailureTime:   lastFailure,
		TimeUntilRetry:    timeUntilRetry,
		RecentSuccessRate: successRate,
		RecentAvgDuration: avgDuration,
		RecentCalls:       len(recent),
	}
}

// Reset clears all state and statistics, returning the breaker to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.forced = nil
	b.cb = b.newGobreaker()
	b.mu.Unlock()

	b.statsMu.Lock()
	b.stats = Stats{LastStateChange: time.Now()}
	b.statsMu.Unlock()

	b.historyMu.Lock()
	b.history = nil
	b.historyMu.Unlock()

	b.logger.Info("circuit breaker reset", "name", b.name)
}

// ForceOpen forces the breaker into the open state, rejecting every call
// until Reset or ForceClosed is called.
func (b *Breaker) ForceOpen() {
	state := gobreaker.StateOpen
	b.mu.Lock()
	b.forced = &state
	b.mu.Unlock()

	b.statsMu.Lock()
	b.stats.StateTransitions++
	b.stats.LastStateChange = time.Now()
	b.statsMu.Unlock()

	b.logger.Warn("circuit breaker forced open", "name", b.name)
}

// ForceClosed forces the breaker into the closed state, bypassing
// gobreaker's own trip logic until Reset is called.
func (b *Breaker) ForceClosed() {
	state := gobreaker.StateClosed
	b.mu.Lock()
	b.forced = &state
	b.mu.Unlock()

	b.statsMu.Lock()
	b.stats.StateTransitions++
	b.stats.LastStateChange = time.Now()
	b.statsMu.Unlock()

	b.logger.Info("circuit breaker forced closed", "name", b.name)
}
