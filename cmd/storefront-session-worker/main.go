//go:build js && wasm

package main

import (
	"context"

	"github.com/dvcrn/storefront-session/internal/app"
	"github.com/dvcrn/storefront-session/internal/config"
	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/dvcrn/storefront-session/internal/logger"
	"github.com/syumai/workers"
	"github.com/syumai/workers/cloudflare"
)

// Worker bindings read into config. Unset ones keep their defaults.
var envKeys = []string{
	"ENV",
	"LOG_LEVEL",
	"STOREFRONT_API_URL",
	"REQUEST_TIMEOUT",
	"ADMIN_API_KEY",
	"TOKEN_EXPIRY_MARGIN",
	"ORDER_POLL_INTERVAL",
	"ORDER_POLL_TIMEOUT",
	"ORDER_LOOKUP_RPS",
}

func main() {
	env := map[string]string{
		// Background goroutines do not outlive a request in Workers.
		"CREDENTIAL_STORE":            config.StoreMemory,
		"BACKGROUND_REFRESH_INTERVAL": "0s",
	}
	for _, key := range envKeys {
		if v := cloudflare.Getenv(key); v != "" {
			env[key] = v
		}
	}

	ctx := context.Background()
	cfg, err := config.LoadFrom(ctx, env)
	log := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid worker configuration")
	}

	log.Info().Msg("📦 Using Cloudflare KV credential store")
	store, err := credentials.NewKVStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Cloudflare KV store")
	}

	a, err := app.New(ctx, cfg, store, log, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build app")
	}

	// Serve using workers - it handles all the HTTP server setup
	workers.Serve(a.Server)
}
