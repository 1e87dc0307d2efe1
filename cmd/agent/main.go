package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-orchestrator/internal/agent"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/health"
	"agent-orchestrator/internal/logger"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/pkg/types"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var role string

	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "Reference agent worker",
		Long:  "Runs one agent role against the coordination store: heartbeats, pulls messages, dispatches handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(role)
		},
	}
	rootCmd.Flags().StringVar(&role, "role", "", "Role to run as (default: ORC_AGENT_ROLE, then agent.role from config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(role string) error {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// The supervisor passes the role in the spawn environment; an explicit
	// flag wins, config is the fallback for hand-started agents.
	if role == "" {
		role = os.Getenv("ORC_AGENT_ROLE")
	}
	if role == "" {
		role = cfg.Agent.Role
	}
	roleCfg, ok := cfg.Role(role)
	if !ok {
		return fmt.Errorf("role %q is not configured", role)
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	db, err := database.NewConnection(cfg.Database, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	var notifier notify.Notifier = notify.NewNopNotifier()
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.GetRedisAddr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		notifier = notify.NewRedisNotifier(redisClient, appLogger)
	}
	defer notifier.Close()

	healthStore := health.NewStore(database.NewHealthRepository(db, appLogger), appLogger)
	queueSvc := queue.NewService(database.NewMessageRepository(db, appLogger), notifier, cfg.Supervisor, appLogger)

	harness := agent.NewHarness(roleCfg, cfg.Agent, healthStore, queueSvc, notifier, appLogger)
	registerDemoHandlers(harness, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		appLogger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := harness.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("agent stopped: %w", err)
	}
	appLogger.Info("Agent exited")
	return nil
}

// registerDemoHandlers installs the reference message handlers. Real
// deployments build their own binary around the harness and register domain
// handlers instead.
func registerDemoHandlers(harness *agent.Harness, appLogger *zap.Logger) {
	harness.Register("echo", func(ctx context.Context, msg *types.Message) error {
		appLogger.Info("Echo",
			zap.String("message_id", msg.ID.String()),
			zap.String("sender", msg.Sender),
			zap.Any("payload", msg.Payload))
		return nil
	})

	harness.Register("sleep", func(ctx context.Context, msg *types.Message) error {
		duration := 2 * time.Second
		if raw, ok := msg.Payload["duration_seconds"]; ok {
			if seconds, ok := raw.(float64); ok {
				duration = time.Duration(seconds * float64(time.Second))
			}
		}

		select {
		case <-time.After(duration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	harness.Register("fail", func(ctx context.Context, msg *types.Message) error {
		reason := "requested failure"
		if raw, ok := msg.Payload["reason"].(string); ok && raw != "" {
			reason = raw
		}
		return fmt.Errorf("demo handler failed: %s", reason)
	})
}
