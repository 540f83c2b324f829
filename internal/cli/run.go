package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/commrelay/commrelay/internal/config"
	"github.com/commrelay/commrelay/internal/scheduler"
	"github.com/commrelay/commrelay/internal/server"
)

var runNoHTTP bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll communities on the configured cron schedule",
	RunE:  runAction,
}

func init() {
	runCmd.Flags().BoolVar(&runNoHTTP, "no-http", false, "do not start the status/metrics HTTP server")
}

func runAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return runWithConfig(cmd, cfg)
}

func runWithConfig(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.Error("shutdown error", "error", err)
		}
	}()

	a.logger.Info("starting commrelay",
		"version", Version,
		"cron", cfg.General.Cron,
		"communities", len(cfg.Communities),
		"state_backend", cfg.General.StateBackend,
	)

	sched, err := scheduler.NewCron(cfg.General.Cron, func(ctx context.Context) { a.tick(ctx) }, a.logger,
		scheduler.WithRunOnStart(cfg.RunOnStart()))
	if err != nil {
		return err
	}

	var srv *server.Server
	srvErr := make(chan error, 1)
	if !runNoHTTP {
		handler := server.NewHandler(a.store, a.board, a.collector, Version, a.logger)
		srv = server.New(cfg.Server, a.logger, handler)
		go func() { srvErr <- srv.Start() }()
	}

	schedDone := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(schedDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-srvErr:
		if err != nil {
			a.logger.Error("http server failed", "error", err)
			runErr = err
		}
	}

	// waits for an in-flight tick to finish its current item
	sched.Stop()
	<-schedDone

	if srv != nil {
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error("shutdown error", "error", err)
		}
	}
	a.logger.Info("shutdown complete")
	return runErr
}
