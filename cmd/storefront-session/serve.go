package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const appName = "storefront-session"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local session API",
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("no-banner")
		if !quiet {
			figure.NewFigure(appName, "cybermedium", true).Print()
			fmt.Println()
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		rt, err := setup(cmd, reg)
		if err != nil {
			return err
		}
		defer rt.close()

		if rt.cfg.AdminAPIKey == "" {
			rt.log.Warn().Msg("⚠️  ADMIN_API_KEY not set, admin routes will refuse every request")
		}
		validateSessionAtStartup(rt.app.Sessions.Current(), rt.log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{
			Addr:              rt.cfg.ListenAddr(),
			Handler:           rt.app.Server,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			rt.log.Info().Str("addr", srv.Addr).Msg("Starting server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		rt.log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server.Shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("no-banner", false, "Do not print the startup banner")
	rootCmd.AddCommand(serveCmd)
}

func validateSessionAtStartup(cred *credentials.Credential, log zerolog.Logger) {
	if cred == nil {
		log.Warn().Msg("⚠️  No stored session, log in with POST /v1/session/login or `storefront-session login`")
		return
	}

	minutesUntilExpiry := int64(time.Until(cred.ExpiresAt) / time.Minute)
	level, msg := zerolog.InfoLevel, "✅ Session restored, token is valid"
	if minutesUntilExpiry <= 0 {
		level, msg = zerolog.WarnLevel, "⚠️  Token is already expired, will attempt refresh on first request"
	}
	log.WithLevel(level).
		Str("user_id", cred.User.ID).
		Int64("minutes_until_expiry", minutesUntilExpiry).
		Msg(msg)
}
