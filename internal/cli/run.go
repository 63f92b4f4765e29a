package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/app"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start listening and serve the local control API",
		Run:   runRun,
	}
	cmd.Flags().String("addr", "", "Bind address (default: $LUMEN_BIND_ADDR)")
	cmd.Flags().Bool("mock", false, "Use a synthetic microphone and a silent player")

	RootCmd.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) {
	cfg, logger := setup()
	defer logger.Sync()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.BindAddr = addr
	}
	if mock, _ := cmd.Flags().GetBool("mock"); mock {
		cfg.MicMode = "mock"
		cfg.PlayerMode = "null"
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	b, err := app.Build(runCtx, cfg, logger)
	if err != nil {
		exitErr("build", err)
	}
	logger.Info("devices resolved", zap.String("detail", b.Devices), zap.String("store", cfg.StoreURL))

	if err := b.Start(runCtx); err != nil {
		logger.Warn("starting without a session; turns are refused until the backend is reachable", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: b.API.Router(),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		logger.Error("listen error", zap.Error(err))
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := b.Cleanup(shutdownCtx); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
