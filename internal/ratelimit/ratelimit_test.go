package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllow_PermitsWithinBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveEnabled = false
	cfg.BurstSize = 3
	cfg.RequestsPerMinute = 60
	l := New(cfg, nil, nil, testLogger())

	for i := 0; i < 3; i++ {
		if !l.Allow(context.Background(), "client-a", 1, RequestContext{}) {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
}

func TestAllow_BlocksPastBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveEnabled = false
	cfg.BurstSize = 2
	cfg.RequestsPerMinute = 60
	l := New(cfg, nil, nil, testLogger())

	l.Allow(context.Background(), "client-b", 1, RequestContext{})
	l.Allow(context.Background(), "client-b", 1, RequestContext{})
	if l.Allow(context.Background(), "client-b", 1, RequestContext{}) {
		t.Fatal("third request should be blocked once burst is exhausted")
	}
}

func TestAllow_DifferentClientsAreIndependent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveEnabled = false
	cfg.BurstSize = 1
	l := New(cfg, nil, nil, testLogger())

	if !l.Allow(context.Background(), "a", 1, RequestContext{}) {
		t.Fatal("first client's first request should be allowed")
	}
	if !l.Allow(context.Background(), "b", 1, RequestContext{}) {
		t.Fatal("second client should have its own independent burst")
	}
}

func TestCalculateAdaptiveLimits_AdminGetsHigherLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 10
	cfg.BurstSize = 5
	l := New(cfg, nil, nil, testLogger())

	base := l.calculateAdaptiveLimits(RequestContext{})
	admin := l.calculateAdaptiveLimits(RequestContext{UserType: "admin"})
	if admin.requestsPerMinute <= base.requestsPerMinute {
		t.Errorf("admin rpm %v should exceed base rpm %v", admin.requestsPerMinute, base.requestsPerMinute)
	}
}

func TestClientInfo_ReportsBlockedRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveEnabled = false
	cfg.BurstSize = 1
	l := New(cfg, nil, nil, testLogger())

	l.Allow(context.Background(), "c", 1, RequestContext{})
	l.Allow(context.Background(), "c", 1, RequestContext{})

	info, ok := l.ClientInfo("c")
	if !ok {
		t.Fatal("expected client info to exist")
	}
	if info.RequestsBlocked != 1 {
		t.Errorf("RequestsBlocked = %d, want 1", info.RequestsBlocked)
	}
	if info.BlockedRatio <= 0 {
		t.Errorf("BlockedRatio = %v, want > 0", info.BlockedRatio)
	}
}

func TestResetClient_ClearsState(t *testing.T) {
	l := New(DefaultConfig(), nil, nil, testLogger())
	l.Allow(context.Background(), "d", 1, RequestContext{})

	if !l.ResetClient("d") {
		t.Fatal("expected ResetClient to report an existing client")
	}
	if l.ResetClient("d") {
		t.Fatal("expected second ResetClient to report no client")
	}
}

func TestCleanupOldClients_RemovesStaleEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = time.Millisecond
	l := New(cfg, nil, nil, testLogger())
	l.Allow(context.Background(), "stale", 1, RequestContext{})

	l.mu.Lock()
	l.clients["stale"].lastRequestTime = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.cleanupOldClients()

	if _, ok := l.ClientInfo("stale"); ok {
		t.Error("expected stale client to be removed by cleanup")
	}
}
