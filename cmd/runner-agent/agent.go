package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/VenkatGGG/runner-fleet/internal/fleetclient"
	"github.com/VenkatGGG/runner-fleet/pkg/httpx"
)

type agent struct {
	cfg          config
	client       *fleetclient.Client
	logger       *log.Logger
	bootedAt     time.Time
	lastActivity atomic.Int64
	now          func() time.Time
}

func newAgent(cfg config, client *fleetclient.Client, logger *log.Logger) *agent {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.RegisterInterval <= 0 {
		cfg.RegisterInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	a := &agent{
		cfg:    cfg,
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	a.bootedAt = a.now()
	a.touch()
	return a
}

func (a *agent) touch() {
	a.lastActivity.Store(a.now().UnixNano())
}

func (a *agent) idleFor() time.Duration {
	return a.now().Sub(time.Unix(0, a.lastActivity.Load()))
}

func (a *agent) routes() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /healthz", health)
	mux.HandleFunc("GET /", func(w http.ResponseWriter, _ *http.Request) {
		a.touch()
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"node_id":   a.cfg.NodeID,
			"booted_at": a.bootedAt,
			"uptime":    a.now().Sub(a.bootedAt).Truncate(time.Second).String(),
		})
	})
	return mux
}

// registerLoop reports the advertised URL until fleetd accepts it. Verification
// and state conflicts are retried; an unknown node ID is fatal.
func (a *agent) registerLoop(ctx context.Context) error {
	for {
		reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		n, err := a.client.RegisterNode(reqCtx, a.cfg.NodeID, a.cfg.AdvertiseURL)
		cancel()
		if err == nil {
			a.logger.Printf("runner registered: node_id=%d url=%s state=%s", n.ID, n.URL, n.State)
			return nil
		}
		if fleetclient.IsStatus(err, http.StatusNotFound) {
			return err
		}
		a.logger.Printf("register failed: node_id=%d err=%v", a.cfg.NodeID, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.RegisterInterval):
		}
	}
}

// waitIdle returns nil once no request has arrived for IdleMaxDuration, or
// ctx.Err() when ctx ends first. A zero IdleMaxDuration waits for ctx only.
func (a *agent) waitIdle(ctx context.Context) error {
	if a.cfg.IdleMaxDuration <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := a.cfg.IdleMaxDuration / 10
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if a.idleFor() >= a.cfg.IdleMaxDuration {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *agent) finish(ctx context.Context) error {
	if a.cfg.NodeID <= 0 {
		return errors.New("node id is not set")
	}
	_, err := a.client.FinishNode(ctx, a.cfg.NodeID)
	return err
}
