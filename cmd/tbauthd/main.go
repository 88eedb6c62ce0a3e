package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbauthd/tbauthd/internal/busauth"
	"github.com/tbauthd/tbauthd/internal/busfacade"
	"github.com/tbauthd/tbauthd/internal/config"
	"github.com/tbauthd/tbauthd/internal/enrollstore"
	"github.com/tbauthd/tbauthd/internal/forcepower"
	"github.com/tbauthd/tbauthd/internal/manager"
	"github.com/tbauthd/tbauthd/internal/sysfsprobe"
	"github.com/tbauthd/tbauthd/internal/uevent"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg)

	probe := sysfsprobe.New(cfg.Sysfs.Root)

	store, err := enrollstore.New(cfg.Store.Root)
	if err != nil {
		log.Fatal().Err(err).Msg("open enrollment store")
	}

	source, err := uevent.NewNetlinkSource(cfg.Sysfs.Root, probe, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open uevent source")
	}
	defer source.Close()

	power := forcepower.New()
	mgr := manager.New(probe, store, source, power, log)
	if err := mgr.Start(); err != nil {
		log.Fatal().Err(err).Msg("manager start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	authSvc := busauth.New(busauth.Config{
		Enabled:   cfg.Bus.Auth.Enabled,
		Username:  cfg.Bus.Auth.Username,
		Password:  cfg.Bus.Auth.Password,
		JWTSecret: cfg.Bus.Auth.JWTSecret,
	})

	facade := busfacade.New(busfacade.Config{
		Addr:         cfg.Bus.Addr,
		ReadTimeout:  cfg.Bus.ReadTimeout,
		WriteTimeout: cfg.Bus.WriteTimeout,
	}, mgr, authSvc, log)

	go func() {
		if err := facade.Start(); err != nil {
			log.Fatal().Err(err).Msg("bus façade stopped")
		}
	}()

	if cfg.Watchdog.Enabled {
		go runWatchdog(ctx, mgr, log)
	}

	waitForSignal()
	log.Info().Msg("shutting down")

	cancel()
	mgr.Stop()
	if err := facade.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("bus façade shutdown error")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Log.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// runWatchdog pings systemd's watchdog over its notify socket, the way
// the original daemon's bolt-watchdog.h does, without pulling in a
// systemd-notify library (see DESIGN.md).
func runWatchdog(ctx context.Context, mgr *manager.Manager, log zerolog.Logger) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	usec := os.Getenv("WATCHDOG_USEC")
	if socketPath == "" || usec == "" {
		log.Debug().Msg("watchdog enabled but NOTIFY_SOCKET/WATCHDOG_USEC unset, skipping")
		return
	}
	microseconds, err := strconv.Atoi(usec)
	if err != nil || microseconds <= 0 {
		log.Warn().Str("watchdog_usec", usec).Msg("invalid WATCHDOG_USEC, skipping watchdog")
		return
	}
	interval := time.Duration(microseconds) * time.Microsecond / 2

	addr := net.UnixAddr{Name: socketPath, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, &addr)
	if err != nil {
		log.Warn().Err(err).Msg("dial systemd notify socket")
		return
	}
	defer conn.Close()

	mgr.RunWatchdog(ctx, interval, func() error {
		_, err := conn.Write([]byte("WATCHDOG=1"))
		return err
	})
}
