// Package main provides the standalone playback engine entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/moonggae/kmedia/internal/api/connect"
	"github.com/moonggae/kmedia/internal/infra/config"
	"github.com/moonggae/kmedia/internal/infra/engine"
	"github.com/moonggae/kmedia/internal/infra/engine/local"
	"github.com/moonggae/kmedia/internal/infra/logger"
)

var (
	app        = kingpin.New("kmedia-engine", "kmedia playback engine process")
	configPath = app.Flag("config", "Path to config file").Default("config/kmedia.yaml").String()
	addr       = app.Flag("addr", "Listen address (overrides host.addr)").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
)

func main() {
	_ = godotenv.Load()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Host.Addr = *addr
	}

	logCfg := logger.Config{Output: cfg.Log.Output, Level: cfg.Log.Level}
	if *verbose {
		logCfg.Level = "debug"
	}
	closeLog, err := logger.Init(logCfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func() { _ = closeLog() }()

	if err := run(cfg.Host); err != nil {
		zlog.Error().Msgf("Engine error: %+v", err)
		_ = closeLog()
		os.Exit(1)
	}
}

func run(cfg config.HostConfig) error {
	var settings local.Config
	if err := engine.DecodeSettings(cfg.Player, &settings); err != nil {
		return errors.Wrap(err, "invalid player settings")
	}
	player := local.NewPlayer(settings)
	defer player.Close()

	svc := apiconnect.NewEngineService(player)
	mux := http.NewServeMux()
	path, handler := apiconnect.NewEngineServiceHandler(svc,
		connect.WithInterceptors(apiconnect.NewTokenInterceptor(cfg.Token)))
	mux.Handle(path, handler)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting engine: addr=%s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP restarts the player, which invalidates every open session.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

wait:
	for {
		select {
		case <-hupCh:
			zlog.Info().Msg("engine: restarting player")
			player.Restart()
		case <-sigCh:
			zlog.Info().Msg("Received shutdown signal...")
			break wait
		case err := <-serverErrCh:
			return errors.Wrap(err, "server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}
	zlog.Info().Msg("Engine stopped")
	return nil
}
