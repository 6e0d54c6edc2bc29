package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestHasAPIKeySupportsBearerAuthorization(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/deployments", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	if !requestHasAPIKey(req, "topsecret") {
		t.Fatalf("expected bearer token to satisfy api key check")
	}
	req.Header.Set("Authorization", "bearer topsecret")
	if !requestHasAPIKey(req, "topsecret") {
		t.Fatalf("expected lowercase bearer scheme to be accepted")
	}
}

func TestRequestHasAPIKeyRejectsWrongKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/deployments", nil)
	req.Header.Set("X-API-Key", "guess")
	if requestHasAPIKey(req, "topsecret") {
		t.Fatalf("expected wrong key to be rejected")
	}
	if !requestHasAPIKey(req, "") {
		t.Fatalf("expected empty configured key to allow every request")
	}
}

func TestRequestClientIdentityPrefersXForwardedForFirstIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/deployments", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.10, 10.0.0.5")
	req.RemoteAddr = "127.0.0.1:12345"

	got := requestClientIdentity(req)
	if got != "203.0.113.10" {
		t.Fatalf("expected first forwarded ip, got %q", got)
	}
}

func TestFixedWindowLimiterResetsAcrossWindows(t *testing.T) {
	t.Parallel()

	limiter := newFixedWindowLimiter(1, time.Minute)
	clientKey := "admin:198.51.100.4"
	windowStart := time.Date(2026, time.February, 12, 10, 0, 0, 0, time.UTC)

	if ok, _ := limiter.Allow(clientKey, windowStart.Add(10*time.Second)); !ok {
		t.Fatalf("expected first request in window to be allowed")
	}
	ok, wait := limiter.Allow(clientKey, windowStart.Add(20*time.Second))
	if ok {
		t.Fatalf("expected second request in same window to be denied")
	}
	if wait != 40*time.Second {
		t.Fatalf("expected 40s until the next window, got %s", wait)
	}
	if ok, _ := limiter.Allow(clientKey, windowStart.Add(70*time.Second)); !ok {
		t.Fatalf("expected request in next window to be allowed")
	}
	if len(limiter.counts) != 1 {
		t.Fatalf("expected stale buckets to be dropped, got %d", len(limiter.counts))
	}
}

func TestRunnerCallbacksBucketedPerNode(t *testing.T) {
	env := newTestEnv(t, Options{RateLimitPerMinute: 1})

	// Both runners share one egress address; each gets its own budget.
	first := env.do(t, http.MethodPost, "/v1/nodes/1/finish", nil, nil)
	second := env.do(t, http.MethodPost, "/v1/nodes/2/finish", nil, nil)
	if first.Code == http.StatusTooManyRequests || second.Code == http.StatusTooManyRequests {
		t.Fatalf("expected distinct nodes not to share a bucket, got %d and %d", first.Code, second.Code)
	}
	again := env.do(t, http.MethodPost, "/v1/nodes/1/finish", nil, nil)
	if again.Code != http.StatusTooManyRequests {
		t.Fatalf("expected repeat callback for node 1 to be limited, got %d", again.Code)
	}

	// Callbacks do not consume the operator budget from the same address.
	rollout := env.do(t, http.MethodPost, "/v1/deployments", map[string]string{"image": "runner:v1"}, nil)
	if rollout.Code != http.StatusCreated {
		t.Fatalf("expected operator rollout to be allowed, got %d body=%s", rollout.Code, rollout.Body.String())
	}
}
