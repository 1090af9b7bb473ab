// Package main provides the playback daemon entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/moonggae/kmedia/internal/api/connect"
	"github.com/moonggae/kmedia/internal/app/analytics"
	"github.com/moonggae/kmedia/internal/app/cache"
	"github.com/moonggae/kmedia/internal/app/controller"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/app/sleep"
	"github.com/moonggae/kmedia/internal/infra/cachestore"
	"github.com/moonggae/kmedia/internal/infra/config"
	"github.com/moonggae/kmedia/internal/infra/engine"
	"github.com/moonggae/kmedia/internal/infra/logger"
)

const shutdownTimeout = 10 * time.Second

var (
	app        = kingpin.New("kmedia", "kmedia playback control daemon")
	configPath = app.Flag("config", "Path to config file").Default("config/kmedia.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: from config)").String()

	listEnginesCmd = app.Command("list-engines", "List available engine types and exit")
)

func init() {
	app.Command("start", "Start the daemon (default)").Default()
}

func main() {
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	if command == listEnginesCmd.FullCommand() {
		printEngines()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.Config{Output: cfg.Log.Output, Level: cfg.Log.Level}
	if *verbose {
		logCfg.Level = "debug"
	}
	if *logfile != "" {
		logCfg.Output = *logfile
	}
	closeLog, err := logger.Init(logCfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func() { _ = closeLog() }()
	zlog.Info().Msgf("Loaded config from %s", *configPath)

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Daemon error: %+v", err)
		_ = closeLog()
		os.Exit(1)
	}
}

// run wires the daemon and blocks until a shutdown signal or server error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(cfg.Engine, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create engine")
	}
	defer eng.Close()

	stream := playback.NewStream()
	ctrl := controller.NewManager(eng.Connector, stream, controller.Config{
		ConnectTimeout: cfg.Engine.ConnectTimeout(),
		CommandTimeout: cfg.Engine.CommandTimeout(),
	})
	defer ctrl.Close()

	go func() {
		if err := ctrl.Warmup(ctx); err != nil {
			zlog.Warn().Msgf("controller: warmup failed, will retry on first command: %v", err)
		}
	}()

	timer := sleep.NewTimer(ctrl, stream, sleepConfig(cfg.SleepTimer))
	defer timer.Close()

	store, err := cachestore.Open(cfg.Cache.Dir, cfg.Cache.DBPath)
	if err != nil {
		return errors.Wrap(err, "failed to open cache store")
	}
	defer func() { _ = store.Close() }()

	repo, err := cache.NewRepository(ctx, store, ctrl, cache.Config{
		Enabled:         cfg.Cache.IsEnabled(),
		MaxSizeMB:       cfg.Cache.MaxSizeMB,
		Workers:         cfg.Cache.Workers,
		StartsPerSecond: cfg.Cache.StartsPerSecond,
		PollInterval:    millis(cfg.Cache.PollIntervalMs),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create cache repository")
	}
	defer repo.Close()

	tracker := analytics.NewTracker(analytics.LogListener)
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(ctx, stream)
	}()

	mux := http.NewServeMux()
	path, handler := apiconnect.NewControlServiceHandler(
		apiconnect.NewControlService(ctrl, timer, repo, stream),
		connect.WithInterceptors(apiconnect.NewTokenInterceptor(cfg.Server.Token)),
	)
	mux.Handle(path, handler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	serverErrCh := make(chan error, 1)
	serverStartedCh := make(chan struct{})
	go func() {
		zlog.Info().Msgf("Starting daemon: addr=%s engine=%s", cfg.Server.Addr, eng.Connector.Name())
		close(serverStartedCh)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	<-serverStartedCh
	time.Sleep(100 * time.Millisecond)
	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		return errors.Wrap(err, "server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Streams end with the context, so stop them before draining the server.
	cancel()
	<-trackerDone
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}
	zlog.Info().Msg("Daemon stopped")

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")
	return nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func sleepConfig(c config.SleepTimerConfig) sleep.Config {
	return sleep.Config{
		MinDuration:   millis(c.MinDurationMs),
		TickInterval:  millis(c.TickIntervalMs),
		PollInterval:  millis(c.PollIntervalMs),
		FadeDuration:  millis(c.FadeDurationMs),
		FadeStep:      millis(c.FadeStepMs),
		MinFadeVolume: c.MinFadeVolume,
	}
}

func printEngines() {
	fmt.Println("Available Engines:")
	descriptions := map[string]string{
		config.EngineLocal:  "in-process simulated player",
		config.EngineRemote: "kmedia-engine process over Connect RPC (settings: url, token)",
		config.EngineMPRIS:  "desktop player over D-Bus MPRIS (settings: player, poll_interval)",
	}
	for _, name := range config.EngineTypes {
		fmt.Printf("  %-8s - %s\n", name, descriptions[name])
	}
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}
	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))
	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
