// Package ratelimit implements the chat bridge's adaptive rate limiter
// (C9): a per-client token bucket layered with a sliding window, with
// optional system-load adaptation and an optional Redis-backed distributed
// mode that falls back to local limiting when Redis is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config is the base rate limiting configuration. Limits are expressed per
// client per Window.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	Window            time.Duration
	CleanupInterval   time.Duration
	AdaptiveEnabled   bool
	MaxBurstMultiplier float64
	MinRateMultiplier  float64
}

// DefaultConfig mirrors the chat bridge's defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute:  60,
		BurstSize:          10,
		Window:             60 * time.Second,
		CleanupInterval:    5 * time.Minute,
		AdaptiveEnabled:    true,
		MaxBurstMultiplier: 2.0,
		MinRateMultiplier:  0.1,
	}
}

// RequestContext carries the context-specific signals that feed into
// adaptive limit adjustment (C9's admin/status multipliers).
type RequestContext struct {
	UserType    string // e.g. "admin"
	RequestType string // e.g. "status"
}

type clientState struct {
	requestsMade    int64
	requestsBlocked int64
	lastRequestTime time.Time
	burstTokens     float64
	requestTimes    []time.Time
}

type adaptiveLimits struct {
	requestsPerMinute float64
	burstSize         float64
	loadFactor        float64
	contextFactor     float64
}

// Limiter is the adaptive rate limiter. The zero value is not usable; build
// one with New.
type Limiter struct {
	cfg    Config
	logger *slog.Logger
	redis  *redis.Client
	script *redis.Script

	mu      sync.Mutex
	clients map[string]*clientState

	loadMu         sync.Mutex
	loadHistory    []float64
	loadFactor     float64
	lastLoadCheck  time.Time
	loadSampleFunc func() float64

	statsMu sync.Mutex
	stats   Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats are cumulative counters exposed for monitoring.
type Stats struct {
	TotalRequests  int64
	TotalAllowed   int64
	TotalBlocked   int64
	ActiveClients  int
	AvgSystemLoad  float64
}

// New builds a Limiter. rdb may be nil, in which case all limiting is local.
// loadSampleFunc supplies a normalized system load sample in [0, inf) each
// time adaptive limits are recalculated; pass nil to disable load sampling
// (the load factor then stays at 1.0).
func New(cfg Config, rdb *redis.Client, loadSampleFunc func() float64, logger *slog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxBurstMultiplier <= 0 {
		cfg.MaxBurstMultiplier = 2.0
	}
	if cfg.MinRateMultiplier <= 0 {
		cfg.MinRateMultiplier = 0.1
	}

	l := &Limiter{
		cfg:            cfg,
		logger:         logger,
		redis:          rdb,
		clients:        make(map[string]*clientState),
		loadFactor:     1.0,
		loadSampleFunc: loadSampleFunc,
	}
	if rdb != nil {
		l.script = redis.NewScript(distributedLuaScript)
	}
	logger.Info("rate limiter initialized",
		"requests_per_minute", cfg.RequestsPerMinute,
		"burst_size", cfg.BurstSize,
		"adaptive", cfg.AdaptiveEnabled,
		"distributed", rdb != nil)
	return l
}

// Start launches the background cleanup worker. Call Stop to release it.
func (l *Limiter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.cleanupWorker(ctx)
}

// Stop halts the cleanup worker and waits for it to exit.
func (l *Limiter) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Allow reports whether a request of the given cost is permitted for
// clientID right now. Errors from the distributed backend are logged and
// the request is checked against the local in-process limiter instead.
func (l *Limiter) Allow(ctx context.Context, clientID string, cost int, rc RequestContext) bool {
	if cost <= 0 {
		cost = 1
	}
	l.updateSystemLoad()

	if l.redis != nil {
		allowed, err := l.allowDistributed(ctx, clientID, cost)
		if err != nil {
			l.logger.Warn("distributed rate limit check failed, falling back to local", "client_id", clientID, "error", err)
			return l.allowLocal(clientID, cost, rc)
		}
		return allowed
	}
	return l.allowLocal(clientID, cost, rc)
}

func (l *Limiter) allowLocal(clientID string, cost int, rc RequestContext) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, ok := l.clients[clientID]
	if !ok {
		state = &clientState{burstTokens: float64(l.cfg.BurstSize)}
		l.clients[clientID] = state
	}

	limits := l.calculateAdaptiveLimits(rc)
	l.refillBurstTokens(state, now, limits)

	if state.burstTokens < float64(cost) {
		state.requestsBlocked++
		l.recordStats(false)
		l.logger.Debug("request blocked by burst limit", "client_id", clientID, "burst_tokens", state.burstTokens)
		return false
	}

	if !l.checkSlidingWindow(state, now, limits, cost) {
		state.requestsBlocked++
		l.recordStats(false)
		l.logger.Debug("request blocked by sliding window", "client_id", clientID, "window_requests", len(state.requestTimes))
		return false
	}

	state.burstTokens -= float64(cost)
	state.requestsMade++
	state.lastRequestTime = now
	state.requestTimes = append(state.requestTimes, now)
	l.recordStats(true)
	return true
}

const distributedLuaScript = `
local client_key = KEYS[1]
local window_key = KEYS[2]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local window_size = tonumber(ARGV[3])
local rate_limit = tonumber(ARGV[4])
local burst_limit = tonumber(ARGV[5])

local burst_tokens = redis.call('GET', client_key)
if not burst_tokens then
	burst_tokens = burst_limit
else
	burst_tokens = tonumber(burst_tokens)
end

local last_refill = redis.call('GET', client_key .. ':last_refill')
if last_refill then
	local time_passed = now - tonumber(last_refill)
	local refill_amount = (time_passed * rate_limit) / 60
	burst_tokens = math.min(burst_limit, burst_tokens + refill_amount)
end

if burst_tokens < cost then
	return 0
end

local window_start = now - window_size
redis.call('ZREMRANGEBYSCORE', window_key, 0, window_start)
local current_requests = redis.call('ZCARD', window_key)

if current_requests >= rate_limit then
	return 0
end

burst_tokens = burst_tokens - cost
redis.call('SET', client_key, burst_tokens, 'EX', window_size * 2)
redis.call('SET', client_key .. ':last_refill', now, 'EX', window_size * 2)
redis.call('ZADD', window_key, now, now .. ':' .. math.random())
redis.call('EXPIRE', window_key, window_size)

return 1
`

func (l *Limiter) allowDistributed(ctx context.Context, clientID string, cost int) (bool, error) {
	limits := l.calculateAdaptiveLimits(RequestContext{})
	keys := []string{
		fmt.Sprintf("rate_limit:%s:burst", clientID),
		fmt.Sprintf("rate_limit:%s:window", clientID),
	}
	now := float64(time.Now().UnixNano()) / 1e9
	args := []any{now, cost, l.cfg.Window.Seconds(), limits.requestsPerMinute, limits.burstSize}

	res, err := l.script.Run(ctx, l.redis, keys, args...).Int()
	if err != nil {
		return false, err
	}
	allowed := res == 1
	l.recordStats(allowed)
	return allowed, nil
}

func (l *Limiter) calculateAdaptiveLimits(rc RequestContext) adaptiveLimits {
	baseRPM := float64(l.cfg.RequestsPerMinute)
	baseBurst := float64(l.cfg.BurstSize)

	if !l.cfg.AdaptiveEnabled {
		return adaptiveLimits{requestsPerMinute: baseRPM, burstSize: baseBurst, loadFactor: 1, contextFactor: 1}
	}

	l.loadMu.Lock()
	loadFactor := l.loadFactor
	l.loadMu.Unlock()

	contextFactor := 1.0
	switch {
	case rc.UserType == "admin":
		contextFactor = 2.0
	case rc.RequestType == "status":
		contextFactor = 1.5
	}

	totalFactor := loadFactor * contextFactor

	adjustedRPM := math.Max(baseRPM*l.cfg.MinRateMultiplier,
		math.Min(baseRPM*l.cfg.MaxBurstMultiplier, math.Trunc(baseRPM*totalFactor)))
	adjustedBurst := math.Max(1,
		math.Min(math.Trunc(baseBurst*l.cfg.MaxBurstMultiplier), math.Trunc(baseBurst*totalFactor)))

	return adaptiveLimits{
		requestsPerMinute: adjustedRPM,
		burstSize:         adjustedBurst,
		loadFactor:        loadFactor,
		contextFactor:     contextFactor,
	}
}

func (l *Limiter) refillBurstTokens(state *clientState, now time.Time, limits adaptiveLimits) {
	if state.lastRequestTime.IsZero() {
		state.lastRequestTime = now
		return
	}
	elapsed := now.Sub(state.lastRequestTime).Seconds()
	refillRate := limits.requestsPerMinute / 60.0
	state.burstTokens = math.Min(limits.burstSize, state.burstTokens+elapsed*refillRate)
}

func (l *Limiter) checkSlidingWindow(state *clientState, now time.Time, limits adaptiveLimits, cost int) bool {
	windowStart := now.Add(-l.cfg.Window)
	i := 0
	for i < len(state.requestTimes) && state.requestTimes[i].Before(windowStart) {
		i++
	}
	if i > 0 {
		state.requestTimes = state.requestTimes[i:]
	}
	return len(state.requestTimes)+cost <= int(limits.requestsPerMinute)
}

func (l *Limiter) recordStats(allowed bool) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	l.stats.TotalRequests++
	if allowed {
		l.stats.TotalAllowed++
	} else {
		l.stats.TotalBlocked++
	}
}

// updateSystemLoad resamples the load factor at most once every 5 seconds.
func (l *Limiter) updateSystemLoad() {
	if l.loadSampleFunc == nil {
		return
	}

	l.loadMu.Lock()
	if time.Since(l.lastLoadCheck) < 5*time.Second {
		l.loadMu.Unlock()
		return
	}
	l.lastLoadCheck = time.Now()
	l.loadMu.Unlock()

	sample := l.loadSampleFunc()

	l.loadMu.Lock()
	l.loadHistory = append(l.loadHistory, sample)
	if len(l.loadHistory) > 60 {
		l.loadHistory = l.loadHistory[len(l.loadHistory)-60:]
	}
	var sum float64
	for _, v := range l.loadHistory {
		sum += v
	}
	avg := sum / float64(len(l.loadHistory))

	switch {
	case avg < 0.5:
		l.loadFactor = 1.2
	case avg < 0.8:
		l.loadFactor = 1.0
	case avg < 1.2:
		l.loadFactor = 0.8
	default:
		l.loadFactor = 0.5
	}
	l.loadMu.Unlock()

	l.statsMu.Lock()
	l.stats.AvgSystemLoad = avg
	l.statsMu.Unlock()
}

func (l *Limiter) cleanupWorker(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cleanupOldClients()
		}
	}
}

func (l *Limiter) cleanupOldClients() {
	cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)

	l.mu.Lock()
	removed := 0
	for id, state := range l.clients {
		if state.lastRequestTime.Before(cutoff) {
			delete(l.clients, id)
			removed++
		}
	}
	active := len(l.clients)
	l.mu.Unlock()

	l.statsMu.Lock()
	l.stats.ActiveClients = active
	l.statsMu.Unlock()

	if removed > 0 {
		l.logger.Debug("cleaned up idle rate limit clients", "count", removed)
	}
}

// ClientInfo is a point-in-time snapshot of one client's limiting state.
type ClientInfo struct {
	ClientID         string
	RequestsMade     int64
	RequestsBlocked  int64
	BurstTokens      float64
	WindowRequests   int
	LastRequest      time.Time
	BlockedRatio     float64
}

// ClientInfo returns the current limiting state for clientID, or false if
// the client has made no requests in local mode.
func (l *Limiter) ClientInfo(clientID string) (ClientInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.clients[clientID]
	if !ok {
		return ClientInfo{}, false
	}

	limits := l.calculateAdaptiveLimits(RequestContext{})
	l.refillBurstTokens(state, time.Now(), limits)

	total := state.requestsMade + state.requestsBlocked
	var ratio float64
	if total > 0 {
		ratio = float64(state.requestsBlocked) / float64(total)
	}

	return ClientInfo{
		ClientID:        clientID,
		RequestsMade:    state.requestsMade,
		RequestsBlocked: state.requestsBlocked,
		BurstTokens:     state.burstTokens,
		WindowRequests:  len(state.requestTimes),
		LastRequest:     state.lastRequestTime,
		BlockedRatio:    ratio,
	}, true
}

// Stats returns a snapshot of cumulative limiter statistics.
func (l *Limiter) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// ResetClient clears all limiting state for a client, reporting whether one
// existed.
func (l *Limiter) ResetClient(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients[clientID]; !ok {
		return false
	}
	delete(l.clients, clientID)
	return true
}
