package cli

import (
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/backend"
)

func init() {
	cmd := &cobra.Command{
		Use:   "fake-backend",
		Short: "Serve an in-process stand-in for the conversation backend",
		Run:   runFakeBackend,
	}
	cmd.Flags().String("addr", "127.0.0.1:8000", "Bind address")
	cmd.Flags().Bool("no-audio", false, "Answer without synthesized speech")

	RootCmd.AddCommand(cmd)
}

func runFakeBackend(cmd *cobra.Command, args []string) {
	_, logger := setup()
	defer logger.Sync()

	addr, _ := cmd.Flags().GetString("addr")
	noAudio, _ := cmd.Flags().GetBool("no-audio")

	fake := backend.NewFakeServer(logger.Named("fake-backend"))
	fake.NoAudio = noAudio

	srv := &http.Server{
		Addr:              addr,
		Handler:           fake.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("fake backend listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		exitErr("listen", err)
	}
}
