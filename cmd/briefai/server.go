package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/briefai/internal/api"
	"github.com/kalambet/briefai/internal/brief"
	"github.com/kalambet/briefai/internal/cache"
	"github.com/kalambet/briefai/internal/config"
	"github.com/kalambet/briefai/internal/credits"
	"github.com/kalambet/briefai/internal/fanout"
	"github.com/kalambet/briefai/internal/llm"
	"github.com/kalambet/briefai/internal/maintenance"
	"github.com/kalambet/briefai/internal/progress"
	"github.com/kalambet/briefai/internal/resilience"
	"github.com/kalambet/briefai/internal/serp"
	"github.com/kalambet/briefai/internal/storage"
	"github.com/kalambet/briefai/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the briefai server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running briefai server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show briefai system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "briefai.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openCache returns the Redis cache when configured, the in-process cache
// otherwise. The returned Sweeper is nil for Redis, which expires keys itself.
func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, maintenance.Sweeper, func(), error) {
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, "briefai", cfg.TTL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("using redis cache")
		return rc, nil, func() { rc.Close() }, nil
	}
	mc := cache.NewMemory(cfg.Capacity, cfg.TTL)
	return mc, mc, func() {}, nil
}

func newGuard(cfg config.Config) *resilience.Guard {
	return resilience.NewGuard(
		resilience.NewRegistry(resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		}),
		resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
	)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "briefai version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("briefai is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("briefai is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	c, sweeper, closeCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	locale := serp.Locale{LocationCode: cfg.DataForSEO.LocationCode, LanguageCode: cfg.DataForSEO.LanguageCode}
	serpClient := serp.NewClientWithBaseURL(cfg.DataForSEO.Login, cfg.DataForSEO.Password, cfg.DataForSEO.BaseURL).WithLocale(locale)
	generator, err := llm.NewGenerator(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, cfg.Gemini.Model)
	if err != nil {
		return fmt.Errorf("creating LLM client: %w", err)
	}

	guard := newGuard(cfg)
	expander := fanout.NewExpander(generator)
	processor := fanout.NewProcessor(expander, fanout.NewSERPExecutor(serpClient), c, guard, fanout.Options{
		BatchSize:  cfg.FanOut.BatchSize,
		BatchDelay: cfg.FanOut.BatchDelay,
		CacheTTL:   cfg.Cache.TTL,
	})
	ledger := credits.NewLedger(store, credits.Config{
		SignupBonus:   cfg.Credits.SignupBonus,
		ReferralBonus: cfg.Credits.ReferralBonus,
		BriefCost:     cfg.Credits.BriefCost,
	})
	hub := progress.NewHub()

	briefs := brief.NewService(brief.Deps{
		SERP:         serpClient,
		Strategist:   generator,
		FanOut:       processor,
		Guard:        guard,
		Cache:        c,
		CacheTTL:     cfg.Cache.TTL,
		Ledger:       ledger,
		Store:        store,
		Progress:     hub,
		Locale:       locale,
		FanOutLimits: fanout.Limits{MaxQueries: cfg.FanOut.MaxQueries},
	})

	handler := api.NewHandler(
		api.PublicDeps{Briefs: briefs},
		api.AppDeps{
			Briefs:        briefs,
			Ledger:        ledger,
			Store:         store,
			FanOut:        processor,
			Expander:      expander,
			Guard:         guard,
			Cache:         c,
			Token:         apiToken,
			Progress:      hub,
			FanOutDefault: cfg.FanOut.Enabled,
		},
	)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := maintenance.NewScheduler()
	if sweeper != nil {
		if err := sched.Add(maintenance.SweepTask(sweeper, "")); err != nil {
			return err
		}
	}
	if err := sched.Add(maintenance.PurgeTask(store, "", maintenance.DefaultJobRetention, nil)); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)

	w := worker.NewWorker(store, briefs, 500*time.Millisecond)
	g.Go(func() error {
		w.Run(gctx)
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Briefs:        briefs,
			Expander:      expander,
			Ledger:        ledger,
			FanOutDefault: cfg.FanOut.Enabled,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "briefai listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.LoadLocal()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("briefai is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop briefai (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to briefai (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadLocal()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := newAPIClient()
	if err != nil {
		printStatus("Server", "unknown (%v)", err)
		return nil
	}
	client.httpClient = &http.Client{Timeout: 2 * time.Second}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s", cfg.Gemini.Model)
	printStatus("Locale", "%d/%s", cfg.DataForSEO.LocationCode, cfg.DataForSEO.LanguageCode)
	if cfg.Cache.RedisURL != "" {
		printStatus("Cache", "redis, ttl %s", cfg.Cache.TTL)
	} else {
		printStatus("Cache", "memory (%d entries), ttl %s", cfg.Cache.Capacity, cfg.Cache.TTL)
	}

	if resp != nil && resp.StatusCode == http.StatusOK {
		if breakersResp, err := client.get(ctx, "/breakers"); err == nil {
			var states []resilience.State
			if decodeJSON(breakersResp, &states) == nil {
				printStatus("Breakers", "%s", breakerSummary(states))
			}
		}
		if briefsResp, err := client.get(ctx, "/briefs?limit=100"); err == nil {
			var list []brief.Brief
			if decodeJSON(briefsResp, &list) == nil {
				printStatus("Briefs", "%s", countLabel(len(list), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func breakerSummary(states []resilience.State) string {
	if len(states) == 0 {
		return "none yet"
	}
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = s.Name + "=" + s.Phase.String()
	}
	return strings.Join(parts, ", ")
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
