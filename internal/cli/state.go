package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/backend"
	"github.com/ent0n29/lumen/internal/config"
	"github.com/ent0n29/lumen/internal/kvstore"
	"github.com/ent0n29/lumen/internal/memory"
	"github.com/ent0n29/lumen/internal/session"
)

func init() {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Show the stored session id, creating one with --create",
		Run:   runSession,
	}
	sessionCmd.Flags().Bool("create", false, "Ask the backend for a session when none is stored")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation history and long-term memory",
		Run:   runHistory,
	}
	historyCmd.Flags().Bool("memory", false, "Print only the long-term memory")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear conversation history and long-term memory",
		Long:  "Clears history and memory. The session id and the selected voice are kept.",
		Run:   runReset,
	}

	RootCmd.AddCommand(sessionCmd, historyCmd, resetCmd)
}

type storeHandle struct {
	store *session.Store
	kv    kvstore.Store
}

func openSessionStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*storeHandle, error) {
	kv, err := kvstore.NewStore(ctx, cfg.StoreURL)
	if err != nil {
		return nil, err
	}
	store := session.NewStore(kv,
		session.WithLogger(logger.Named("session")),
		session.WithDefaultVoice(cfg.DefaultVoice),
	)
	if err := store.Hydrate(ctx); err != nil {
		_ = store.Close(ctx)
		_ = kv.Close()
		return nil, err
	}
	return &storeHandle{store: store, kv: kv}, nil
}

func (h *storeHandle) Close(ctx context.Context) error {
	err := h.store.Close(ctx)
	if kvErr := h.kv.Close(); err == nil {
		err = kvErr
	}
	return err
}

func runSession(cmd *cobra.Command, args []string) {
	cfg, logger := setup()
	create, _ := cmd.Flags().GetBool("create")
	ctx := cmd.Context()

	h, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		exitErr("open store", err)
	}
	defer h.Close(context.Background())

	if create {
		createCtx, cancel := context.WithTimeout(ctx, cfg.SessionCreateTimeout)
		_, err := h.store.EnsureSession(createCtx, backend.NewClient(cfg.BackendURL))
		cancel()
		if err != nil {
			exitErr("ensure session", err)
		}
	}

	st := h.store.Snapshot()
	out := struct {
		SessionID  *int64 `json:"session_id"`
		HasSession bool   `json:"has_session"`
		Voice      string `json:"voice"`
		Store      string `json:"store"`
	}{HasSession: st.HasSession, Voice: st.Voice, Store: cfg.StoreURL}
	if st.HasSession {
		out.SessionID = &st.SessionID
	}
	if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
		exitErr("write", err)
	}
}

func runHistory(cmd *cobra.Command, args []string) {
	cfg, logger := setup()
	onlyMemory, _ := cmd.Flags().GetBool("memory")

	h, err := openSessionStore(cmd.Context(), cfg, logger)
	if err != nil {
		exitErr("open store", err)
	}
	defer h.Close(context.Background())

	st := h.store.Snapshot()
	var out any = struct {
		History []session.Message     `json:"history"`
		Memory  memory.LongTermMemory `json:"memory"`
	}{History: st.History, Memory: st.Memory}
	if onlyMemory {
		out = st.Memory
	}
	if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
		exitErr("write", err)
	}
}

func runReset(cmd *cobra.Command, args []string) {
	cfg, logger := setup()
	ctx := cmd.Context()

	h, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		exitErr("open store", err)
	}
	cleared := len(h.store.History())
	if err := h.store.Reset(ctx); err != nil {
		_ = h.Close(context.Background())
		exitErr("reset", err)
	}
	if err := h.Close(context.Background()); err != nil {
		exitErr("close store", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"cleared_messages":%d}`+"\n", cleared)
}
