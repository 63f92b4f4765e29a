// Package cli implements the lumen commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/lumen/internal/app"
	"github.com/ent0n29/lumen/internal/config"
)

var (
	envFiles   []string
	storeURL   string
	backendURL string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "lumen",
	Short: "Voice conversation client for the lumen backend",
	Long:  "Captures speech, sends each turn to the conversation backend with the current facial emotion, plays the reply and keeps history and memory across restarts.",
}

func init() {
	RootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "e", nil, "Env files to load before reading the environment (default: ./.env when present)")
	RootCmd.PersistentFlags().StringVarP(&storeURL, "store", "s", "", "Store URL (default: $LUMEN_STORE_URL or ~/.lumen/lumen.db)")
	RootCmd.PersistentFlags().StringVarP(&backendURL, "backend", "b", "", "Backend base URL (default: $LUMEN_BACKEND_URL)")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return config.Config{}, err
	}
	if storeURL != "" {
		cfg.StoreURL = storeURL
	}
	if cfg.StoreURL == "" {
		cfg.StoreURL = defaultStorePath()
	}
	if backendURL != "" {
		cfg.BackendURL = backendURL
	}
	return cfg, nil
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".lumen", "lumen.db")
	}
	return filepath.Join(home, ".lumen", "lumen.db")
}

// setup loads the config and builds the process logger.
func setup() (config.Config, *zap.Logger) {
	cfg, err := loadConfig()
	if err != nil {
		exitErr("config", err)
	}
	logger, err := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		exitErr("logger", err)
	}
	return cfg, logger
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
