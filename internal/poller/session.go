package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/dvcrn/storefront-session/internal/errors"
	"github.com/dvcrn/storefront-session/internal/metrics"
	"github.com/dvcrn/storefront-session/internal/orders"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// State of a poll session
type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// User-facing messages
const (
	MessageChecking         = "Checking payment status..."
	MessageSucceeded        = "Payment confirmed"
	MessageFailed           = "Payment failed"
	MessageTimedOut         = "We could not confirm your payment in time. Please check again."
	MessageMissingReference = "missing transaction reference"
)

// ErrMissingReference is reported by Snapshot.Err for a session started
// without a transaction reference.
var ErrMissingReference = apperrors.New(MessageMissingReference)

// Snapshot is a point-in-time copy of a session
type Snapshot struct {
	ID              string        `json:"id"`
	TransactionRef  string        `json:"transactionRef"`
	State           State         `json:"state"`
	Order           *orders.Order `json:"order,omitempty"`
	Message         string        `json:"message"`
	Attempts        int           `json:"attempts"`
	TransientErrors int           `json:"transientErrors"`
	Cancelled       bool          `json:"cancelled,omitempty"`
	StartedAt       time.Time     `json:"startedAt,omitzero"`
	FinishedAt      time.Time     `json:"finishedAt,omitzero"`
}

// Err is ErrTimeout for a timed out poll and an error naming the status
// for a failed one. Polling itself never returns errors.
func (s Snapshot) Err() error {
	switch s.State {
	case StateIdle:
		return ErrMissingReference
	case StateTimedOut:
		return apperrors.ErrTimeout
	case StateFailed:
		if s.Order != nil {
			return fmt.Errorf("payment failed with order status %q", s.Order.Status)
		}
		return fmt.Errorf("payment failed")
	}
	return nil
}

// Session is one run of the poll. Its ticker and deadline timer are
// stopped exactly once, by whichever of terminal transition, Cancel or
// context cancellation comes first.
type Session struct {
	id      string
	ref     string
	opts    Options
	lookup  Lookup
	clock   clockwork.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu              sync.Mutex
	state           State
	order           *orders.Order
	message         string
	attempts        int
	transientErrors int
	cancelled       bool
	startedAt       time.Time
	finishedAt      time.Time
	// issued numbers lookups as they start; applied is the number of the
	// newest result that changed the session. Older results are dropped.
	issued  uint64
	applied uint64
	stopped bool

	ticker   clockwork.Ticker
	deadline clockwork.Timer
	done     chan struct{}

	subscribers map[int]chan Snapshot
	nextSub     int
}

func (s *Session) ID() string { return s.id }

func (s *Session) TransactionRef() string { return s.ref }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:              s.id,
		TransactionRef:  s.ref,
		State:           s.state,
		Message:         s.message,
		Attempts:        s.attempts,
		TransientErrors: s.transientErrors,
		Cancelled:       s.cancelled,
		StartedAt:       s.startedAt,
		FinishedAt:      s.finishedAt,
	}
	if s.order != nil {
		order := *s.order
		order.Items = append([]orders.Item(nil), s.order.Items...)
		snap.Order = &order
	}
	return snap
}

// Done is closed once the session stops polling
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session stops or ctx is done, and returns the
// latest snapshot either way
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Subscribe streams snapshots, starting with the current one. A slow
// reader only misses intermediate snapshots, never the latest. The
// channel is closed after the final snapshot once the session stops.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	ch <- s.snapshotLocked()
	if s.stopped {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

// Cancel stops polling without changing the state. Safe to call any number
// of times, including after a terminal state.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelled = true
	s.logger.Info().Msg("Order status polling cancelled")
	s.stopLocked("cancelled")
}

func (s *Session) run() {
	for {
		select {
		case <-s.ticker.Chan():
			go s.poll()
		case <-s.ctx.Done():
			s.Cancel()
			return
		}
	}
}

func (s *Session) poll() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.issued++
	seq := s.issued
	s.attempts++
	s.mu.Unlock()

	order, err := s.lookup.OrderByTransaction(s.ctx, s.ref)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || seq < s.applied {
		s.logger.Debug().Uint64("seq", seq).Msg("Discarding stale lookup result")
		return
	}
	s.applied = seq

	switch {
	case err != nil:
		s.metrics.Lookup("error")
		s.transientErrors++
		s.message = MessageChecking
		s.logger.Warn().Err(err).Int("transient_errors", s.transientErrors).Msg("Order lookup failed, still polling")
	case order == nil:
		s.metrics.Lookup("pending")
		s.logger.Debug().Msg("Order not available yet")
	case s.opts.succeeded(order.Status):
		s.metrics.Lookup("ok")
		s.order = order
		s.finishLocked(StateSucceeded, MessageSucceeded)
		return
	case s.opts.failed(order.Status):
		s.metrics.Lookup("ok")
		s.order = order
		s.finishLocked(StateFailed, MessageFailed)
		return
	default:
		s.metrics.Lookup("ok")
		s.order = order
		s.logger.Debug().Str("status", order.Status).Msg("Order still in progress")
	}
	s.publishLocked()
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.state != StatePolling {
		return
	}
	s.finishLocked(StateTimedOut, MessageTimedOut)
}

func (s *Session) finishLocked(state State, message string) {
	s.state = state
	s.message = message
	level := zerolog.InfoLevel
	if state != StateSucceeded {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).
		Str("state", string(state)).
		Int("attempts", s.attempts).
		Msg("Order status polling finished")
	s.stopLocked(string(state))
}

// stopLocked releases both timers and every subscriber. Callers hold s.mu
// and have checked s.stopped.
func (s *Session) stopLocked(outcome string) {
	s.stopped = true
	s.finishedAt = s.clock.Now()
	s.ticker.Stop()
	s.deadline.Stop()
	s.cancelCtx()
	close(s.done)
	s.metrics.PollFinished(outcome)

	final := s.snapshotLocked()
	for id, ch := range s.subscribers {
		offerLatest(ch, final)
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *Session) publishLocked() {
	snap := s.snapshotLocked()
	for _, ch := range s.subscribers {
		offerLatest(ch, snap)
	}
}

func offerLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
