// Package app wires the session coordinator, the order poller and the
// local API from a Config. Shared by the CLI and the Workers build.
package app

import (
	"context"
	"fmt"

	"github.com/dvcrn/storefront-session/internal/config"
	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/dvcrn/storefront-session/internal/identity"
	"github.com/dvcrn/storefront-session/internal/metrics"
	"github.com/dvcrn/storefront-session/internal/orders"
	"github.com/dvcrn/storefront-session/internal/poller"
	"github.com/dvcrn/storefront-session/internal/server"
	"github.com/dvcrn/storefront-session/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type App struct {
	Sessions *session.Coordinator
	Orders   *orders.Client
	Poller   *poller.Poller
	Polls    *poller.Registry
	Metrics  *metrics.Metrics
	Server   *server.Server
}

// New builds the object graph over store. reg receives the collectors and
// backs /metrics; nil skips metrics registration.
func New(ctx context.Context, cfg config.Config, store credentials.Store, logger zerolog.Logger, reg *prometheus.Registry) (*App, error) {
	var m *metrics.Metrics
	var gatherer prometheus.Gatherer
	if reg != nil {
		m = metrics.New(reg)
		gatherer = reg
	} else {
		m = metrics.New(nil)
		gatherer = prometheus.NewRegistry()
	}

	idClient := identity.NewClient(cfg.APIBaseURL, cfg.RequestTimeout)
	coordinator, err := session.New(ctx, store, idClient,
		session.WithLogger(logger.With().Str("component", "session").Logger()),
		session.WithMetrics(m),
		session.WithExpiryMargin(cfg.ExpiryMargin),
		session.WithRefreshTimeout(cfg.RequestTimeout),
		session.WithBackgroundRefresh(cfg.BackgroundRefreshInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start session coordinator: %w", err)
	}

	// Lookups run for the whole poll, not a single request.
	orderClient := orders.NewClient(cfg.APIBaseURL, cfg.RequestTimeout,
		orders.WithRateLimit(cfg.LookupRateLimit),
		orders.WithTokenSource(coordinator.TokenSource(context.Background())),
	)

	p := poller.New(orderClient,
		poller.WithLogger(logger.With().Str("component", "poller").Logger()),
		poller.WithMetrics(m),
		poller.WithDefaults(poller.Options{
			Interval: cfg.PollInterval,
			Timeout:  cfg.PollTimeout,
		}),
	)
	polls := poller.NewRegistry(p)

	srv := server.New(logger.With().Str("component", "server").Logger(), coordinator, polls, server.Options{
		AdminAPIKey: cfg.AdminAPIKey,
		Gatherer:    gatherer,
	})

	return &App{
		Sessions: coordinator,
		Orders:   orderClient,
		Poller:   p,
		Polls:    polls,
		Metrics:  m,
		Server:   srv,
	}, nil
}

// Close cancels running polls and stops the coordinator
func (a *App) Close() {
	a.Polls.Close()
	a.Sessions.Close()
}
