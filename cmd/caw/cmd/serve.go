package cmd

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/travisgalloway/caw/internal/config"
	"github.com/travisgalloway/caw/internal/daemon"
	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/server"
	"github.com/travisgalloway/caw/internal/service"
	"github.com/travisgalloway/caw/internal/spawner"
	"github.com/travisgalloway/caw/internal/state"
	"github.com/travisgalloway/caw/internal/tools"
)

// runServe resolves configuration, opens the store, and runs the daemon
// race.
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagTransport != "" {
		cfg.Transport, err = config.ParseTransport(flagTransport)
		if err != nil {
			return err
		}
	}
	if flagPort != 0 {
		cfg.Port, err = config.ParsePort(strconv.Itoa(flagPort))
		if err != nil {
			return err
		}
	}

	logger := logging.New(logging.DefaultConfig())
	logger.Info("starting caw", "db_path", cfg.DBPath, "transport", cfg.Transport)

	st, err := state.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing store failed", "error", err)
		}
	}()

	svcs := service.New(st, logger)
	registry := spawner.NewRegistry(svcs, spawner.Config{
		ChildBinary: "claude",
		Port:        cfg.Port,
	}, logger)
	srv := server.New(tools.New(svcs, registry, logger), logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return daemon.New(cfg, svcs, registry, srv, logger).Run(ctx)
}
