package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wesign/a2a-fabric/internal/audit"
	"github.com/wesign/a2a-fabric/internal/config"
	"github.com/wesign/a2a-fabric/internal/envelope"
	"github.com/wesign/a2a-fabric/internal/fabric"
	"github.com/wesign/a2a-fabric/internal/health"
	"github.com/wesign/a2a-fabric/internal/idempotency"
	"github.com/wesign/a2a-fabric/internal/logging"
	"github.com/wesign/a2a-fabric/internal/policy"
	"github.com/wesign/a2a-fabric/internal/registry"
	"github.com/wesign/a2a-fabric/internal/security"
	"github.com/wesign/a2a-fabric/internal/transport"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "optional YAML config file overlaying A2A_* environment variables")
	flag.Parse()

	cfg := config.Load()
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("a2ad " + version)
	fmt.Println("=============================================")
	fmt.Printf("A2A_AGENT_ID=%s\n", cfg.AgentID)
	fmt.Printf("A2A_TENANT=%s\n", cfg.Tenant)
	fmt.Printf("A2A_PROJECT=%s\n", cfg.Project)
	fmt.Printf("A2A_LEASE_DURATION=%s\n", cfg.LeaseDuration)
	fmt.Printf("A2A_SWEEP_INTERVAL=%s\n", cfg.SweepInterval)
	fmt.Printf("A2A_POLICY_DISABLED=%t\n", cfg.PolicyDisabled)
	fmt.Printf("A2A_METRICS_ADDR=%s\n", cfg.MetricsAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("a2ad exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("a2ad stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	redisOpts, err := redis.ParseURL(cfg.TransportURL)
	if err != nil {
		return fmt.Errorf("parse transport url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("transport backend unreachable: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.RegistryURL)
	if err != nil {
		return fmt.Errorf("registry backend unreachable: %w", err)
	}
	defer db.Close()
	if err := registry.Migrate(ctx, db); err != nil {
		return err
	}

	idem, err := idempotency.OpenBolt(cfg.IdempotencyPath, nil)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}

	reg := registry.NewPostgres(db, log, registry.PostgresOptions{LeaseDuration: cfg.LeaseDuration})
	tr := transport.New(rdb, log, transport.Options{
		ValidateOnPublish:   cfg.ValidateOnPublish,
		ValidateOnSubscribe: cfg.ValidateOnSubscribe,
		DefaultMaxPending:   cfg.MaxPending,
		MaxRedeliveries:     int64(cfg.MaxRedeliveries),
		ReclaimMinIdle:      cfg.ReclaimMinIdle,
	})

	auditLog := audit.New(log)
	var engine *policy.Client
	if !cfg.PolicyDisabled {
		engine = policy.NewClient(log, policy.ClientOptions{
			BaseURL: cfg.PolicyURL,
			Path:    cfg.PolicyPath,
			Timeout: cfg.PolicyTimeout,
		})
	}
	gate := policy.NewGate(engine, auditLog, policy.GateOptions{Disabled: cfg.PolicyDisabled})

	bearer := cfg.BearerToken
	if bearer == "" && cfg.TokenSecret != "" {
		// Self-issued token for deployments without an external issuer.
		bearer, err = security.MintBearer([]byte(cfg.TokenSecret), cfg.AgentID,
			cfg.Tenant, cfg.Project, []string{"a2a:*"}, 24*time.Hour, time.Now())
		if err != nil {
			return err
		}
	}

	client := fabric.New(tr, reg, gate, idem, auditLog, log, fabric.Options{
		AgentID:      cfg.AgentID,
		AgentType:    "daemon",
		AgentVersion: version,
		Tenant:       cfg.Tenant,
		Project:      cfg.Project,
		Signing:      security.SigningConfig{Algorithm: cfg.SigningAlgorithm, SecretKey: []byte(cfg.SigningSecret)},
		Tokens:       security.TokenConfig{HMACSecret: []byte(cfg.TokenSecret)},
		BearerToken:  bearer,
		Replay: security.ReplayConfig{
			FreshnessWindow: cfg.FreshnessWindow,
			ClockSkew:       cfg.ClockSkew,
		},
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	defer client.Close(context.Background())

	if _, err := reg.Register(ctx, registry.Registration{
		AgentID:  cfg.AgentID,
		Version:  version,
		Tenant:   cfg.Tenant,
		Project:  cfg.Project,
		Status:   registry.StatusHealthy,
		Metadata: registry.Metadata{"role": "a2ad"},
	}); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.Deregister(shutdownCtx, cfg.AgentID); err != nil {
			log.Warn("deregister failed", "error", err)
		}
	}()

	// The daemon consumes its tenant's system-event topic so operational
	// broadcasts pass the full receive chain and land in the log.
	systemTopic := fmt.Sprintf("%s.%s.a2a.system.event", cfg.Tenant, cfg.Project)
	_, err = client.Subscribe(ctx, systemTopic, func(_ context.Context, e *envelope.Envelope) error {
		log.Info("system event",
			"trace_id", e.Meta.TraceID,
			"from", e.Meta.From.ID,
			"event", e.Payload["event"])
		return nil
	}, fabric.SubscribeOptions{Group: "a2ad", Consumer: cfg.AgentID})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", systemTopic, err)
	}

	sweeper := health.NewSweeper(reg, log, cfg.SweepInterval)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop(context.Background())

	heartbeat := health.NewHeartbeat(reg, log, health.HeartbeatOptions{
		AgentID:       cfg.AgentID,
		LeaseDuration: cfg.LeaseDuration,
		InitialStatus: registry.StatusHealthy,
		StatusProvider: func(ctx context.Context) (registry.Status, error) {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return registry.StatusDegraded, nil
			}
			return registry.StatusHealthy, nil
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "transport unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "registry unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return heartbeat.Run(gctx) })
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("a2ad started", "version", version, "agent_id", cfg.AgentID)
	return g.Wait()
}
