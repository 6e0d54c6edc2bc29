package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VenkatGGG/runner-fleet/internal/api"
	"github.com/VenkatGGG/runner-fleet/internal/config"
	"github.com/VenkatGGG/runner-fleet/internal/events"
	"github.com/VenkatGGG/runner-fleet/internal/fleet"
	"github.com/VenkatGGG/runner-fleet/internal/idempotency"
	"github.com/VenkatGGG/runner-fleet/internal/lease"
	"github.com/VenkatGGG/runner-fleet/internal/provider"
	"github.com/VenkatGGG/runner-fleet/internal/runner"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLEET_CONFIG_FILE"), "optional YAML file of FLEET_* settings")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("fleetd config load failed: %v", err)
	}
	log.Printf("config loaded: provider=%s store=%s redis=%s kafka=%s", cfg.Provider, cfg.Store, cfg.RedisAddr, strings.Join(cfg.KafkaBrokers, ","))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov, closeProvider, err := runner.NewProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("fleetd provider setup failed: %v", err)
	}
	defer closeProvider()
	if prov.Kind() == provider.KindUnsupported {
		log.Printf("fleetd provider %q is not supported; every start will fail with a configuration error", cfg.Provider)
	}

	store, eventLog, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("fleetd store setup failed: %v", err)
	}
	defer closeStore()

	var (
		leases lease.Manager     = lease.NewInMemoryManager()
		idem   idempotency.Store = idempotency.NewInMemoryStore()
	)
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("fleetd redis ping failed: %v", err)
		}
		leases = lease.NewRedisManager(client, "")
		idem = idempotency.NewRedisStore(client, "")
	}

	stream := events.NewBroadcaster(256)
	publishers := events.Multi{eventLog, stream}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log.Default())
		if err != nil {
			log.Fatalf("fleetd kafka setup failed: %v", err)
		}
		defer kafka.Close()
		publishers = append(publishers, kafka)
	}

	manager := fleet.NewManager(store, prov, leases, publishers, fleet.ManagerConfig{
		ReconcileInterval:       cfg.ReconcileInterval,
		StartingTimeout:         cfg.StartingTimeout,
		FinishingTimeout:        cfg.FinishingTimeout,
		MaxTerminateAttempts:    cfg.MaxTerminateAttempts,
		TerminateRetryBaseDelay: cfg.TerminateRetryBaseDelay,
		TerminateRetryMaxDelay:  cfg.TerminateRetryMaxDelay,
		Concurrency:             cfg.Concurrency,
		LeaseTTL:                cfg.NodeLeaseTTL,
	}, log.Default())

	server := api.NewServer(manager, store, eventLog, stream, api.Options{
		APIKey:             cfg.APIKey,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Idempotency:        idem,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		CORSOrigins:        cfg.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run(ctx)
	}()

	go func() {
		log.Printf("fleetd listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("fleetd http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("fleetd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("fleetd http shutdown failed: %v", err)
	}
	<-managerDone
}

// openStore returns the node registry and the event log backed by the same storage
// where the backend supports it.
func openStore(ctx context.Context, cfg config.Config) (fleet.Store, events.Log, func(), error) {
	switch cfg.Store {
	case "", "memory":
		return fleet.NewInMemoryStore(), events.NewInMemoryLog(0), func() {}, nil
	case "postgres":
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, nil, nil, errors.New("FLEET_POSTGRES_DSN is required for the postgres store")
		}
		store, err := fleet.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		eventLog, err := events.NewPostgresLog(ctx, store.Pool())
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		return store, eventLog, store.Close, nil
	case "bolt":
		store, err := fleet.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, events.NewInMemoryLog(0), func() { _ = store.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
