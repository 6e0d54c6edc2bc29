package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VenkatGGG/runner-fleet/internal/fleetclient"
)

type config struct {
	HTTPAddr         string
	GRPCAddr         string
	NodeID           int64
	CallbackURL      string
	APIKey           string
	AdvertiseURL     string
	RegisterInterval time.Duration
	RequestTimeout   time.Duration
	IdleMaxDuration  time.Duration
}

func main() {
	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := newAgent(cfg, fleetclient.New(cfg.CallbackURL, cfg.APIKey), log.Default())

	var grpcServer *grpc.Server
	var healthServer *health.Server
	if cfg.GRPCAddr != "" {
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("runner-agent grpc listen failed: %v", err)
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		go func() {
			log.Printf("runner-agent gRPC health listening on %s", cfg.GRPCAddr)
			if err := grpcServer.Serve(listener); err != nil {
				log.Fatalf("runner-agent grpc server failed: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      agent.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		log.Printf("runner-agent listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("runner-agent http server failed: %v", err)
		}
	}()

	shutdown := func() {
		if healthServer != nil {
			healthServer.Shutdown()
		}
		shutdownHTTP(httpServer)
		if grpcServer != nil {
			shutdownGRPC(grpcServer)
		}
	}

	if cfg.CallbackURL == "" || cfg.NodeID <= 0 {
		log.Printf("RUNNER_CALLBACK_URL or RUNNER_NODE_ID not set, running health-only mode")
		<-ctx.Done()
		shutdown()
		return
	}

	if err := agent.registerLoop(ctx); err != nil {
		if ctx.Err() != nil {
			shutdown()
			return
		}
		log.Fatalf("runner registration failed: %v", err)
	}

	if err := agent.waitIdle(ctx); err == nil {
		log.Printf("runner idle for %s, finishing node %d", cfg.IdleMaxDuration, cfg.NodeID)
		finishCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		if err := agent.finish(finishCtx); err != nil {
			log.Printf("finish failed: %v", err)
		}
		cancel()
	}
	shutdown()
}

func loadConfig() config {
	httpAddr := envOrDefault("RUNNER_HTTP_ADDR", ":80")

	advertise := strings.TrimSpace(os.Getenv("RUNNER_ADVERTISE_URL"))
	if advertise == "" {
		advertise = "http://" + guessAdvertiseAddr(httpAddr)
	}

	idle := time.Duration(int64OrDefault("IDLE_MAX_DURATION_MS", 0)) * time.Millisecond
	return config{
		HTTPAddr:         httpAddr,
		GRPCAddr:         strings.TrimSpace(os.Getenv("RUNNER_GRPC_ADDR")),
		NodeID:           int64OrDefault("RUNNER_NODE_ID", 0),
		CallbackURL:      strings.TrimSuffix(strings.TrimSpace(os.Getenv("RUNNER_CALLBACK_URL")), "/"),
		APIKey:           strings.TrimSpace(os.Getenv("RUNNER_API_KEY")),
		AdvertiseURL:     advertise,
		RegisterInterval: durationOrDefault("RUNNER_REGISTER_INTERVAL", 2*time.Second),
		RequestTimeout:   durationOrDefault("RUNNER_REQUEST_TIMEOUT", 5*time.Second),
		IdleMaxDuration:  idle,
	}
}

func shutdownHTTP(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("runner-agent shutdown error: %v", err)
	}
}

func shutdownGRPC(server *grpc.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		server.Stop()
	}
}

func guessAdvertiseAddr(httpAddr string) string {
	host, port, err := net.SplitHostPort(httpAddr)
	if err != nil {
		if strings.HasPrefix(httpAddr, ":") {
			port = strings.TrimPrefix(httpAddr, ":")
		} else {
			return httpAddr
		}
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		hostname, err := os.Hostname()
		if err != nil || strings.TrimSpace(hostname) == "" {
			host = "localhost"
		} else {
			host = hostname
		}
	}

	return net.JoinHostPort(host, port)
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func int64OrDefault(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
