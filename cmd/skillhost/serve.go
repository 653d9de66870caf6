package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/relaybot/skillhost/internal/artifact"
	"github.com/relaybot/skillhost/internal/chat"
	"github.com/relaybot/skillhost/internal/compilerapi"
	"github.com/relaybot/skillhost/internal/config"
	"github.com/relaybot/skillhost/internal/gc"
	"github.com/relaybot/skillhost/internal/host"
	"github.com/relaybot/skillhost/internal/interact"
	"github.com/relaybot/skillhost/internal/invoke"
	"github.com/relaybot/skillhost/internal/modcache"
	"github.com/relaybot/skillhost/internal/modules"
	"github.com/relaybot/skillhost/internal/skill"
	"github.com/relaybot/skillhost/internal/story"
	"github.com/relaybot/skillhost/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the skill execution service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.FromEnv()
	}
	return config.Load(configFile)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return telemetry.NewLogger(os.Stdout, level)
}

// newStore builds the durable artifact tier from configuration.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (artifact.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return artifact.NewMemoryStore(), nil
	case "local":
		return artifact.NewLocalStore(cfg.Store.Dir, logger), nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return artifact.NewS3Store(client, cfg.Store.Bucket, cfg.Store.Prefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// newStates builds the interaction-state store: etcd when endpoints are
// configured, in-process memory otherwise.
func newStates(cfg *config.Config, logger *slog.Logger) (interact.States, func(), error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		logger.Info("no etcd endpoints configured, interaction state is process-local")
		return interact.NewMemoryStates(), func() {}, nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return interact.NewEtcdStates(client.KV, cfg.Etcd.Prefix), func() { _ = client.Close() }, nil
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(registry)

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to skills database: %w", err)
	}
	defer pool.Close()
	skills := skill.NewPostgresRepository(pool)

	states, closeStates, err := newStates(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStates()

	compiler := compilerapi.NewClient(cfg.Compiler.Endpoint,
		&http.Client{Timeout: cfg.Compiler.Timeout.Std()}, logger)

	engine := interact.NewEngine(story.NewInterpreter(), states, chat.NewLogMessenger(logger), logger)
	orchestrator := modules.NewOrchestrator(store, compiler, engine, logger)
	cache := modcache.New(orchestrator, metrics, logger,
		modcache.WithTTL(cfg.Cache.TTL.Std()),
		modcache.WithMaxEntries(cfg.Cache.MaxEntries))
	defer cache.Close()

	if cfg.Store.Watch {
		go func() {
			if err := cache.Watch(ctx, cfg.Store.Dir); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("artifact watch stopped", "error", err)
			}
		}()
	}

	runner := invoke.NewRunner(logger, metrics)
	h := host.New(skills, cache, runner, logger)

	scheduler := cron.New()
	if cfg.GC.Schedule != "" {
		collector := gc.New(store, skills, metrics, logger,
			gc.WithStaleAfter(cfg.GC.StaleAfter.Std()))
		if _, err := scheduler.AddFunc(cfg.GC.Schedule, func() {
			if err := collector.Run(ctx); err != nil {
				logger.Error("gc sweep failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling gc: %w", err)
		}
	}
	if _, err := scheduler.AddFunc("@hourly", func() {
		if n := cache.PurgeExpired(); n > 0 {
			logger.Info("purged idle modules", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("scheduling cache purge: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/invoke", newInvokeHandler(h, logger))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("skillhost listening", "addr", cfg.Listen, "store", cfg.Store.Backend)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// invokeRequest is the body of POST /invoke.
type invokeRequest struct {
	TenantID    string            `json:"tenantId"`
	SkillID     string            `json:"skillId"`
	Trigger     string            `json:"trigger"`
	UserID      string            `json:"userId"`
	ChannelID   string            `json:"channelId"`
	ThreadID    string            `json:"threadId"`
	Args        map[string]string `json:"args,omitempty"`
	Interaction *struct {
		Value string `json:"value"`
		Reset bool   `json:"reset"`
	} `json:"interaction,omitempty"`
}

func newInvokeHandler(h *host.Host, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req invokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.TenantID == "" || req.SkillID == "" {
			http.Error(w, "tenantId and skillId are required", http.StatusBadRequest)
			return
		}

		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
		call := &invoke.Context{
			Trigger:   parseTrigger(req.Trigger),
			TenantID:  req.TenantID,
			SkillID:   req.SkillID,
			UserID:    req.UserID,
			ChannelID: req.ChannelID,
			ThreadID:  req.ThreadID,
			Args:      req.Args,
		}
		if req.Interaction != nil {
			call.Interaction = &invoke.Interaction{
				Value: req.Interaction.Value,
				Reset: req.Interaction.Reset,
			}
		}

		resp, err := h.Invoke(ctx, call)
		if err != nil {
			logger.Error("invocation failed before the skill ran", "error", err,
				"tenant", req.TenantID, "skill_id", req.SkillID)
			http.Error(w, "invocation failed", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.Status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("writing invocation response failed", "error", err)
		}
	}
}

func parseTrigger(s string) invoke.Trigger {
	switch s {
	case "interaction":
		return invoke.TriggerInteraction
	case "http":
		return invoke.TriggerHTTP
	default:
		return invoke.TriggerCommand
	}
}
