// webrelay is the gateway binary. It exposes an OpenAI-compatible and
// vendor-native HTTP surface in front of one stateful upstream session
// reached through the bridge worker's back-channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/relayforge/webrelay/internal/config"
	"github.com/relayforge/webrelay/internal/gateway"
	"github.com/relayforge/webrelay/internal/identity"
	"github.com/relayforge/webrelay/internal/monitoring"
	"github.com/relayforge/webrelay/internal/registry"
	"github.com/relayforge/webrelay/internal/session"
)

func main() {
	var (
		configPath string
		noBind     bool
	)
	flag.StringVar(&configPath, "config", "", "path to config YAML (optional)")
	flag.BoolVar(&noBind, "no-bind", false, "start without launching the bridge worker")
	flag.Parse()

	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	ids, err := identity.Load(cfg.Identity.Dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Identity.Dir).Msg("loading identities")
	}
	if cfg.Identity.Watch {
		if err := ids.Watch(); err != nil {
			log.Warn().Err(err).Msg("credential watch unavailable, edits need a restart")
		}
	}

	reg := registry.New(cfg.Bridge.GraceWindow)

	bridgeURL := "ws://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)) + "/internal/bridge"
	if cfg.Bridge.AuthToken != "" {
		bridgeURL += "?token=" + cfg.Bridge.AuthToken
	}
	driver := session.NewCommandDriver(cfg.Worker.Command, cfg.Worker.Args, bridgeURL, cfg.Worker.ConnectTimeout, reg)

	promReg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(promReg)
	tracker, err := monitoring.NewTracker(cfg.Monitoring.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.Monitoring.DBPath).Msg("opening request tracker")
	}

	gw := gateway.New(cfg, reg, ids, driver, metrics, tracker)
	if err := gw.StartScheduledRefresh(); err != nil {
		log.Fatal().Err(err).Str("cron", cfg.Failover.RefreshCron).Msg("invalid refresh schedule")
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorLog:     stdlog.New(log.Logger, "", 0),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("mode", cfg.Streaming.Mode).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	// Bind the initial identity once the listener is up so the worker has a
	// bridge endpoint to dial back to.
	if !noBind && cfg.Worker.Command != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ConnectTimeout)
			defer cancel()
			usable := ids.UsableIndices()
			if len(usable) == 0 {
				log.Error().Msg("no usable identity, waiting for credentials")
				return
			}
			id, err := ids.Get(usable[0])
			if err != nil {
				log.Error().Err(err).Msg("initial identity unavailable")
				return
			}
			gw.Account().SetCurrentIndex(id.Index)
			if err := driver.Bind(ctx, id); err != nil {
				log.Error().Err(err).Str("identity", id.Label).Msg("initial session bind failed")
				return
			}
			log.Info().Str("identity", id.Label).Msg("upstream session bound")
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	driver.Stop()
	gw.Stop()
}

// setupLogging configures the global zerolog logger: human-readable console
// output on a terminal, JSON lines otherwise.
func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}
