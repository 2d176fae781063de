package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dvcrn/storefront-session/internal/app"
	"github.com/dvcrn/storefront-session/internal/config"
	"github.com/dvcrn/storefront-session/internal/logger"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "storefront-session",
	Short: "Keeps a storefront session alive and confirms checkout payments",
	Long: `storefront-session owns the shopper's authenticated session against the
storefront identity backend, refreshing tokens as needed, and polls the
order lookup to confirm checkout payments.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().String("store", "", "Credential store: file, redis or memory (overrides CREDENTIAL_STORE)")
	rootCmd.PersistentFlags().String("creds-path", "", "Credential file for the file store (overrides CREDENTIAL_PATH)")
	rootCmd.PersistentFlags().String("api-url", "", "Storefront API base URL (overrides STOREFRONT_API_URL)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides LOG_LEVEL)")
}

// runtime is what every command needs: config, logger and the wired app
type runtime struct {
	cfg   config.Config
	log   zerolog.Logger
	app   *app.App
	close func()
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	overrides := map[string]*string{
		"store":      &cfg.CredentialStore,
		"creds-path": &cfg.CredentialPath,
		"api-url":    &cfg.APIBaseURL,
		"log-level":  &cfg.LogLevel,
	}
	for flag, target := range overrides {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*target = v
		}
	}
	return cfg, cfg.Validate()
}

func setup(cmd *cobra.Command, reg *prometheus.Registry) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx := cmd.Context()
	store, closeStore, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, store, log, reg)
	if err != nil {
		closeStore()
		return nil, err
	}
	return &runtime{
		cfg: cfg,
		log: log,
		app: a,
		close: func() {
			a.Close()
			closeStore()
		},
	}, nil
}

