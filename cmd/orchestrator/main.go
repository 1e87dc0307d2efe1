package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"agent-orchestrator/internal/api"
	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/database"
	"agent-orchestrator/internal/events"
	"agent-orchestrator/internal/health"
	"agent-orchestrator/internal/lock"
	"agent-orchestrator/internal/logger"
	"agent-orchestrator/internal/monitoring"
	"agent-orchestrator/internal/notify"
	"agent-orchestrator/internal/process"
	"agent-orchestrator/internal/queue"
	"agent-orchestrator/internal/supervisor"
	"agent-orchestrator/internal/tracing"
	"agent-orchestrator/pkg/types"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Agent workforce supervisor",
		Long:  "Supervises LLM agent worker processes and the coordination store they share",
	}

	rootCmd.AddCommand(
		newStartCommand(),
		newStopCommand(),
		newStatusCommand(),
		newReclaimLocksCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newStartCommand() *cobra.Command {
	var roleFilter []string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the supervisor in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runSupervisor(roleFilter))
		},
	}
	cmd.Flags().StringSliceVar(&roleFilter, "roles", nil, "Only supervise the named roles (default: all configured roles)")
	return cmd
}

// runSupervisor wires the full process tree and blocks until shutdown.
// Exit codes: 0 clean, 1 any worker terminal or force-killed, 2 another
// supervisor already holds the singleton lock on this host.
func runSupervisor(roleFilter []string) int {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if len(roleFilter) > 0 {
		if err := filterRoles(cfg, roleFilter); err != nil {
			log.Fatalf("Invalid --roles: %v", err)
		}
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	singleton, err := process.AcquireSingleton(cfg.Supervisor.LockFile)
	if err != nil {
		appLogger.Error("Another supervisor is already running on this host", zap.Error(err))
		return 2
	}
	defer singleton.Release()

	if err := process.WritePIDFile(cfg.Supervisor.PIDFile); err != nil {
		appLogger.Fatal("Failed to write pid file", zap.Error(err))
	}
	defer process.RemovePIDFile(cfg.Supervisor.PIDFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewConnection(cfg.Database, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		appLogger.Fatal("Failed to ensure database schema", zap.Error(err))
	}

	msgRepo := database.NewMessageRepository(db, appLogger)
	lockRepo := database.NewLockRepository(db, appLogger)
	healthRepo := database.NewHealthRepository(db, appLogger)
	eventRepo := database.NewEventRepository(db, appLogger)

	var notifier notify.Notifier = notify.NewNopNotifier()
	var redisNotifier *notify.RedisNotifier
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
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		redisNotifier = notify.NewRedisNotifier(redisClient, appLogger)
		notifier = redisNotifier
	}
	defer notifier.Close()

	eventLog := events.NewLogger(eventRepo, appLogger)
	runner := process.NewOSRunner(appLogger)
	lockSvc := lock.NewService(lockRepo, eventLog, runner.Alive, appLogger)
	healthStore := health.NewStore(healthRepo, appLogger)
	queueSvc := queue.NewService(msgRepo, notifier, cfg.Supervisor, appLogger)

	metrics := monitoring.NewMetrics(appLogger)
	healthChecker := monitoring.NewHealthChecker(appLogger)
	healthChecker.AddCheck("database", db)
	if redisNotifier != nil {
		healthChecker.AddCheck("redis", redisNotifier)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.GetMetricsAddr(), cfg.Metrics.Path); err != nil && err != http.ErrServerClosed {
				appLogger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	tracingManager, err := tracing.NewTracingManager(cfg.Tracing, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	sup := supervisor.NewSupervisor(cfg, runner, lockSvc, healthStore, queueSvc, eventLog, metrics, tracingManager, appLogger)

	apiShutdown := make(chan struct{})
	var apiServer *http.Server
	if cfg.API.Enabled {
		handler := api.NewHandler(healthStore, queueSvc, eventLog, healthChecker, cfg.Roles, appLogger)
		var once sync.Once
		handler.SetShutdown(func() {
			once.Do(func() { close(apiShutdown) })
		})

		apiServer = &http.Server{
			Addr:         cfg.GetAPIAddr(),
			Handler:      api.NewRouter(handler, cfg.API, metrics, tracingManager, appLogger),
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		}
		go func() {
			appLogger.Info("Starting admin API", zap.String("addr", apiServer.Addr))
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error("Admin API server failed", zap.Error(err))
			}
		}()
	}

	go collectDatabaseStats(ctx, db, metrics)

	if err := sup.Start(ctx); err != nil {
		appLogger.Error("Supervisor start aborted", zap.Error(err))
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	immediate := false
	select {
	case sig := <-sigChan:
		immediate = sig == syscall.SIGINT
		appLogger.Info("Received shutdown signal",
			zap.String("signal", sig.String()),
			zap.Bool("immediate", immediate))
	case <-apiShutdown:
		appLogger.Info("Shutdown requested over admin API")
	}

	cancel()

	grace := cfg.Supervisor.GracePeriod
	if immediate {
		grace = cfg.Supervisor.ImmediateGrace
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace+30*time.Second)
	defer shutdownCancel()

	sup.Shutdown(shutdownCtx, immediate)

	if apiServer != nil {
		apiCtx, apiCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(apiCtx); err != nil {
			appLogger.Error("Failed to shutdown admin API", zap.Error(err))
		}
		apiCancel()
	}

	if cfg.Metrics.Enabled {
		metricsCtx, metricsCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metrics.Stop(metricsCtx); err != nil {
			appLogger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
		metricsCancel()
	}

	return sup.ExitCode()
}

// filterRoles narrows cfg.Roles to the named subset for partial deployments.
func filterRoles(cfg *config.Config, names []string) error {
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := cfg.Role(name); !ok {
			return fmt.Errorf("unknown role: %s", name)
		}
		keep[name] = true
	}

	filtered := cfg.Roles[:0]
	for _, role := range cfg.Roles {
		if keep[role.ID] {
			filtered = append(filtered, role)
		}
	}
	cfg.Roles = filtered
	return nil
}

func collectDatabaseStats(ctx context.Context, db *database.DB, metrics *monitoring.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.SetDatabaseConnections("open", float64(stats.OpenConnections))
			metrics.SetDatabaseConnections("idle", float64(stats.Idle))
			metrics.SetDatabaseConnections("in_use", float64(stats.InUse))
		}
	}
}

func newStopCommand() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Signal the running supervisor to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return stopSupervisor(cfg.Supervisor.PIDFile, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 60*time.Second, "How long to wait for the supervisor to exit")
	return cmd
}

func stopSupervisor(pidFile string, wait time.Duration) error {
	pid, err := process.ReadPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("supervisor does not appear to be running: %w", err)
	}

	if !process.PIDAlive(pid) {
		fmt.Printf("Supervisor pid %d is already gone, removing stale pid file\n", pid)
		return process.RemovePIDFile(pidFile)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find supervisor process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal supervisor %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to supervisor pid %d\n", pid)

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !process.PIDAlive(pid) {
			fmt.Println("Supervisor exited")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("supervisor pid %d still running after %s", pid, wait)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-role worker status from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return printStatus(cfg)
		},
	}
}

func printStatus(cfg *config.Config) error {
	// Silent logger so connection chatter stays out of the table output.
	db, err := database.NewConnection(cfg.Database, zap.NewNop())
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	healthStore := health.NewStore(database.NewHealthRepository(db, zap.NewNop()), zap.NewNop())
	snaps, err := healthStore.Statuses(ctx)
	if err != nil {
		return fmt.Errorf("read worker status: %w", err)
	}

	if len(snaps) == 0 {
		fmt.Println("No worker status recorded")
		return nil
	}

	now := time.Now()
	anyTerminal := false

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tSTATE\tPID\tUPTIME\tRESTARTS\tHEARTBEAT\tCPU%\tMEM")
	for _, snap := range snaps {
		if snap.State == types.WorkerStateTerminal {
			anyTerminal = true
		}

		uptime := "-"
		if d := snap.Uptime(now); d > 0 {
			uptime = d.Round(time.Second).String()
		}
		heartbeat := "-"
		if snap.HeartbeatAge != nil {
			heartbeat = fmt.Sprintf("%.0fs ago", *snap.HeartbeatAge)
		}

		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d/%d\t%s\t%.1f\t%s\n",
			snap.Role,
			snap.DisplayState(),
			snap.PID,
			uptime,
			snap.RestartCount, snap.MaxRestarts,
			heartbeat,
			snap.CPUPercent,
			formatBytes(snap.MemoryBytes),
		)
	}
	w.Flush()

	if anyTerminal {
		os.Exit(1)
	}
	return nil
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}

func newReclaimLocksCommand() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim-locks",
		Short: "Release role locks whose holders are dead and whose claim is old",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if maxAge <= 0 {
				maxAge = cfg.Supervisor.LockMaxAge
			}
			return reclaimLocks(cfg, maxAge)
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Minimum lock age to reclaim (default: supervisor lock_max_age)")
	return cmd
}

func reclaimLocks(cfg *config.Config, maxAge time.Duration) error {
	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer appLogger.Sync()

	db, err := database.NewConnection(cfg.Database, appLogger)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eventLog := events.NewLogger(database.NewEventRepository(db, appLogger), appLogger)
	lockSvc := lock.NewService(database.NewLockRepository(db, appLogger), eventLog, process.PIDAlive, appLogger)

	n, err := lockSvc.ReclaimStale(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("reclaim stale locks: %w", err)
	}
	fmt.Printf("Reclaimed %d stale lock(s)\n", n)
	return nil
}
