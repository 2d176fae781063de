//go:build !js || !wasm

package app

import (
	"context"
	"fmt"

	"github.com/dvcrn/storefront-session/internal/config"
	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/rs/zerolog"
)

// OpenStore returns the credential store selected by CREDENTIAL_STORE and
// a function releasing its connections.
func OpenStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (credentials.Store, func(), error) {
	switch cfg.CredentialStore {
	case config.StoreRedis:
		store := credentials.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			credentials.WithRedisPrefix(cfg.RedisPrefix),
			credentials.WithRedisLogger(logger),
		)
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("redis credential store at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Str("prefix", cfg.RedisPrefix).Msg("🗄️  Using redis credential store")
		return store, func() { store.Close() }, nil

	case config.StoreMemory:
		logger.Warn().Msg("Using in-memory credential store, the session will not survive a restart")
		return credentials.NewMemoryStore(), func() {}, nil

	default:
		path := cfg.CredentialPath
		if path == "" {
			path = credentials.DefaultCredsPath()
		}
		logger.Info().Str("path", path).Msg("📄 Using filesystem credential store")
		return credentials.NewFileStore(path, logger), func() {}, nil
	}
}
