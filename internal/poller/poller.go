// Package poller confirms a checkout payment by polling the order lookup
// until the order reaches a terminal status or the time budget runs out.
package poller

import (
	"context"
	"slices"
	"time"

	"github.com/dvcrn/storefront-session/internal/metrics"
	"github.com/dvcrn/storefront-session/internal/orders"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval = 20 * time.Second
	DefaultTimeout  = 5 * time.Minute
)

// Lookup fetches an order by payment transaction reference. A nil order
// with a nil error means the order is not available yet.
type Lookup interface {
	OrderByTransaction(ctx context.Context, ref string) (*orders.Order, error)
}

// LookupFunc adapts a function to Lookup
type LookupFunc func(ctx context.Context, ref string) (*orders.Order, error)

func (f LookupFunc) OrderByTransaction(ctx context.Context, ref string) (*orders.Order, error) {
	return f(ctx, ref)
}

// Options tune one poll. Zero fields take the poller's defaults.
type Options struct {
	Interval        time.Duration
	Timeout         time.Duration
	SuccessStatuses []string
	FailureStatuses []string
}

func DefaultOptions() Options {
	return Options{
		Interval:        DefaultInterval,
		Timeout:         DefaultTimeout,
		SuccessStatuses: []string{"confirmed"},
		FailureStatuses: []string{"failed", "cancelled"},
	}
}

func (o Options) merge(defaults Options) Options {
	if o.Interval <= 0 {
		o.Interval = defaults.Interval
	}
	if o.Timeout <= 0 {
		o.Timeout = defaults.Timeout
	}
	if len(o.SuccessStatuses) == 0 {
		o.SuccessStatuses = defaults.SuccessStatuses
	}
	if len(o.FailureStatuses) == 0 {
		o.FailureStatuses = defaults.FailureStatuses
	}
	return o
}

func (o Options) succeeded(status string) bool {
	return slices.Contains(o.SuccessStatuses, status)
}

func (o Options) failed(status string) bool {
	return slices.Contains(o.FailureStatuses, status)
}

// Poller starts poll sessions against one lookup
type Poller struct {
	lookup   Lookup
	clock    clockwork.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	defaults Options
}

type Option func(*Poller)

func WithClock(clock clockwork.Clock) Option {
	return func(p *Poller) {
		p.clock = clock
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// WithDefaults overrides the options used for zero fields at Start
func WithDefaults(defaults Options) Option {
	return func(p *Poller) {
		p.defaults = defaults.merge(DefaultOptions())
	}
}

func New(lookup Lookup, opts ...Option) *Poller {
	p := &Poller{
		lookup:   lookup,
		clock:    clockwork.NewRealClock(),
		logger:   zerolog.Nop(),
		defaults: DefaultOptions(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling ref: one lookup right away, then one every
// Interval until a terminal status or until Timeout elapses. An empty ref
// returns a session parked in StateIdle. Cancelling ctx cancels the
// session.
func (p *Poller) Start(ctx context.Context, ref string, opts Options) *Session {
	opts = opts.merge(p.defaults)
	s := &Session{
		id:          uuid.NewString(),
		ref:         ref,
		opts:        opts,
		lookup:      p.lookup,
		clock:       p.clock,
		metrics:     p.metrics,
		done:        make(chan struct{}),
		subscribers: make(map[int]chan Snapshot),
	}
	s.logger = p.logger.With().Str("poll_id", s.id).Str("transaction_ref", ref).Logger()

	if ref == "" {
		s.state = StateIdle
		s.message = MessageMissingReference
		s.stopped = true
		close(s.done)
		s.logger.Warn().Msg("No transaction reference supplied, not polling")
		return s
	}

	s.ctx, s.cancelCtx = context.WithCancel(ctx)
	s.state = StatePolling
	s.message = MessageChecking
	s.startedAt = p.clock.Now()

	s.mu.Lock()
	s.ticker = p.clock.NewTicker(opts.Interval)
	s.deadline = p.clock.AfterFunc(opts.Timeout, s.expire)
	s.mu.Unlock()

	p.metrics.PollStarted()
	s.logger.Info().
		Dur("interval", opts.Interval).
		Dur("timeout", opts.Timeout).
		Msg("Started polling order status")

	go s.run()
	go s.poll()
	return s
}
