package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvcrn/storefront-session/internal/credentials"
	apperrors "github.com/dvcrn/storefront-session/internal/errors"
	"github.com/dvcrn/storefront-session/internal/logger"
	"github.com/dvcrn/storefront-session/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultExpiryMargin treats a token as expired slightly before the
	// backend does, so a request is not sent with a token about to lapse.
	DefaultExpiryMargin = 30 * time.Second
	// DefaultRefreshTimeout bounds one refresh network call.
	DefaultRefreshTimeout = 30 * time.Second

	refreshKey = "refresh"
)

// IdentityBackend is the subset of the identity API the coordinator needs
type IdentityBackend interface {
	Login(ctx context.Context, identifier, secret string) (*credentials.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (*credentials.Credential, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Coordinator owns the current credential. It is the only writer of the
// credential store in this process, and it makes sure at most one refresh
// call is in flight at a time.
type Coordinator struct {
	store   credentials.Store
	backend IdentityBackend
	logger  zerolog.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics

	margin             time.Duration
	refreshTimeout     time.Duration
	backgroundInterval time.Duration
	listeners          []func(*credentials.Credential)

	// persistMu serialises (memory, store) write pairs so the store always
	// ends up holding the same value as memory.
	persistMu sync.Mutex
	mu        sync.RWMutex
	cred      *credentials.Credential
	// generation changes whenever the credential is replaced by anything
	// other than a refresh. A refresh that settles under a different
	// generation is discarded.
	generation uint64

	flight    singleflight.Group
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Coordinator
type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock sets the clock used for expiry checks and background refresh
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

func WithExpiryMargin(margin time.Duration) Option {
	return func(c *Coordinator) {
		c.margin = margin
	}
}

func WithRefreshTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.refreshTimeout = timeout
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithBackgroundRefresh starts a ticker that refreshes the token when it
// would expire before the next tick. Zero disables it.
func WithBackgroundRefresh(interval time.Duration) Option {
	return func(c *Coordinator) {
		c.backgroundInterval = interval
	}
}

// WithListener registers a callback invoked after every credential change
// (login, refresh, logout, adoption). A nil argument means logged out.
func WithListener(fn func(*credentials.Credential)) Option {
	return func(c *Coordinator) {
		c.listeners = append(c.listeners, fn)
	}
}

// New restores the persisted credential and, when the store can report
// external writes, starts following them.
func New(ctx context.Context, store credentials.Store, backend IdentityBackend, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		store:          store,
		backend:        backend,
		logger:         zerolog.Nop(),
		clock:          clockwork.NewRealClock(),
		margin:         DefaultExpiryMargin,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	cred, err := store.Load(ctx)
	switch {
	case apperrors.Is(err, apperrors.ErrIncompleteCredential):
		c.logger.Warn().Err(err).Msg("Discarding incomplete persisted credential")
		if err := store.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear incomplete credential: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to restore credential: %w", err)
	default:
		c.cred = cred
	}
	if c.cred != nil {
		c.logger.Info().
			Str("user_id", c.cred.User.ID).
			Time("expires_at", c.cred.ExpiresAt).
			Msg("Restored persisted session")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if watcher, ok := store.(credentials.Watcher); ok {
		changes, err := watcher.Watch(runCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to watch credential store: %w", err)
		}
		c.wg.Add(1)
		go c.follow(changes)
	}
	if c.backgroundInterval > 0 {
		ticker := c.clock.NewTicker(c.backgroundInterval)
		c.wg.Add(1)
		go c.backgroundRefresh(runCtx, ticker)
	}
	return c, nil
}

// Close stops following the store and waits for background work
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

// Current returns a copy of the in-memory credential, nil when logged out
func (c *Coordinator) Current() *credentials.Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred.Clone()
}

// Login authenticates against the identity backend and persists the result
func (c *Coordinator) Login(ctx context.Context, identifier, secret string) (*credentials.Credential, error) {
	cred, err := c.backend.Login(ctx, identifier, secret)
	if err != nil {
		c.metrics.Login(resultLabel(err))
		c.logger.Warn().Err(err).Str("identifier", identifier).Msg("Login failed")
		return nil, err
	}
	if !cred.Valid() {
		c.metrics.Login("error")
		return nil, fmt.Errorf("login returned %w: %w", apperrors.ErrIncompleteCredential, apperrors.ErrServer)
	}

	c.persistMu.Lock()
	c.mu.Lock()
	c.generation++
	c.cred = cred.Clone()
	c.flight.Forget(refreshKey)
	c.mu.Unlock()
	err = c.store.Save(ctx, cred)
	c.persistMu.Unlock()

	if err != nil {
		c.metrics.Login("error")
		return nil, fmt.Errorf("failed to persist credential: %w", err)
	}
	c.metrics.Login("ok")
	c.logger.Info().
		Str("user_id", cred.User.ID).
		Time("expires_at", cred.ExpiresAt).
		Msg("✅ Logged in")
	c.notify(cred)
	return cred.Clone(), nil
}

// Logout drops the session locally and asks the backend to invalidate the
// refresh token in the background. Local logout never fails: store and
// network errors are logged only.
func (c *Coordinator) Logout(ctx context.Context) {
	old := c.reset(ctx, true)
	if old == nil {
		return
	}
	c.logger.Info().Str("user_id", old.User.ID).Msg("Logged out")
	c.notify(nil)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()
		if err := c.backend.Logout(ctx, old.RefreshToken); err != nil {
			c.logger.Debug().Err(err).Msg("Server-side logout failed, ignoring")
		}
	}()
}

// GetValidAccessToken returns the current access token if it is outside
// the expiry margin, refreshing it first otherwise. Concurrent callers
// share one refresh. ctx only bounds this caller's wait.
func (c *Coordinator) GetValidAccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()

	if cred == nil {
		return "", apperrors.ErrUnauthenticated
	}
	if c.fresh(cred) {
		return cred.AccessToken, nil
	}

	c.logger.Debug().
		Int64("seconds_until_expiry", int64(cred.ExpiresAt.Sub(c.clock.Now())/time.Second)).
		Str("access_token", logger.Redact(cred.AccessToken)).
		Msg("🔄 Access token expired or expiring soon, refreshing")
	next, err := c.refresh(ctx, cred.AccessToken)
	if err != nil {
		return "", err
	}
	return next.AccessToken, nil
}

// Refresh forces a token refresh, or joins the one already in flight.
// On failure the session is cleared and ErrSessionExpired is returned.
func (c *Coordinator) Refresh(ctx context.Context) (*credentials.Credential, error) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if cred == nil {
		return nil, apperrors.ErrUnauthenticated
	}
	return c.refresh(ctx, cred.AccessToken)
}

func (c *Coordinator) refresh(ctx context.Context, staleToken string) (*credentials.Credential, error) {
	ch := c.flight.DoChan(refreshKey, func() (interface{}, error) {
		return c.doRefresh(staleToken)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.SharedRefresh()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credentials.Credential).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// doRefresh is the body of the single in-flight refresh. It runs detached
// from any caller's context.
func (c *Coordinator) doRefresh(staleToken string) (*credentials.Credential, error) {
	c.mu.RLock()
	cred := c.cred.Clone()
	gen := c.generation
	c.mu.RUnlock()

	if cred == nil {
		return nil, apperrors.ErrUnauthenticated
	}
	if cred.AccessToken != staleToken && c.fresh(cred) {
		// Replaced while this caller was deciding to refresh.
		return cred, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()

	start := c.clock.Now()
	next, err := c.backend.Refresh(ctx, cred.RefreshToken)
	elapsed := c.clock.Since(start).Seconds()
	if err == nil && next.User.ID == "" {
		next.User = cred.User
	}
	if err == nil && !next.Valid() {
		err = fmt.Errorf("refresh returned %w", apperrors.ErrIncompleteCredential)
	}

	c.persistMu.Lock()
	c.mu.Lock()
	if c.generation != gen {
		current := c.cred.Clone()
		c.mu.Unlock()
		c.persistMu.Unlock()
		c.logger.Debug().Msg("Discarding refresh result for a replaced session")
		if current != nil && c.fresh(current) {
			return current, nil
		}
		return nil, apperrors.ErrUnauthenticated
	}

	if err != nil {
		c.cred = nil
		c.generation++
		c.mu.Unlock()
		if clearErr := c.store.Clear(context.Background()); clearErr != nil {
			c.logger.Error().Err(clearErr).Msg("Failed to clear persisted credential after refresh failure")
		}
		c.persistMu.Unlock()

		c.metrics.Refresh("error", elapsed)
		c.logger.Error().Err(err).Str("user_id", cred.User.ID).Msg("❌ Token refresh failed, session cleared")
		c.notify(nil)
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err)
	}

	c.cred = next.Clone()
	c.mu.Unlock()
	if saveErr := c.store.Save(context.Background(), next); saveErr != nil {
		// Keep serving the new tokens from memory.
		c.logger.Error().Err(saveErr).Msg("❌ Failed to persist refreshed credential")
	}
	c.persistMu.Unlock()

	c.metrics.Refresh("ok", elapsed)
	c.logger.Info().
		Str("user_id", next.User.ID).
		Time("expires_at", next.ExpiresAt).
		Msg("✅ Token refreshed")
	c.notify(next)
	return next, nil
}

// reset clears the in-memory credential and invalidates any in-flight
// refresh. persist also clears the store.
func (c *Coordinator) reset(ctx context.Context, persist bool) *credentials.Credential {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	old := c.cred
	c.cred = nil
	c.generation++
	c.flight.Forget(refreshKey)
	c.mu.Unlock()

	if persist {
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Failed to clear persisted credential")
		}
	}
	return old
}

// follow adopts credentials written by other contexts. Their writes are
// authoritative: nothing is merged and nothing is written back.
func (c *Coordinator) follow(changes <-chan credentials.Change) {
	defer c.wg.Done()
	for range changes {
		c.adopt()
	}
}

// adopt re-reads the store rather than trusting the notification payload,
// so a late notification for an older write cannot replace a newer one.
func (c *Coordinator) adopt() {
	c.persistMu.Lock()
	cred, err := c.store.Load(context.Background())
	if err != nil {
		c.persistMu.Unlock()
		c.logger.Warn().Err(err).Msg("Ignoring unreadable credential change")
		return
	}

	c.mu.Lock()
	if c.cred.Equal(cred) {
		c.mu.Unlock()
		c.persistMu.Unlock()
		return
	}
	c.cred = cred.Clone()
	c.generation++
	c.flight.Forget(refreshKey)
	c.mu.Unlock()
	c.persistMu.Unlock()

	if cred == nil {
		c.logger.Info().Msg("Session cleared by another context, logged out")
	} else {
		c.logger.Info().
			Str("user_id", cred.User.ID).
			Time("expires_at", cred.ExpiresAt).
			Msg("Adopted credential written by another context")
	}
	c.notify(cred)
}

func (c *Coordinator) backgroundRefresh(ctx context.Context, ticker clockwork.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.checkAndRefresh(ctx)
		case <-ctx.Done():
			c.logger.Debug().Msg("Background token refresh stopped")
			return
		}
	}
}

func (c *Coordinator) checkAndRefresh(ctx context.Context) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if cred == nil {
		return
	}
	// Refresh if the token would be stale before the next tick.
	if c.clock.Now().Add(c.backgroundInterval).Before(cred.ExpiresAt.Add(-c.margin)) {
		return
	}
	if _, err := c.refresh(ctx, cred.AccessToken); err != nil {
		c.logger.Error().Err(err).Msg("❌ Background refresh failed")
	}
}

func (c *Coordinator) fresh(cred *credentials.Credential) bool {
	return c.clock.Now().Before(cred.ExpiresAt.Add(-c.margin))
}

func (c *Coordinator) notify(cred *credentials.Credential) {
	for _, fn := range c.listeners {
		fn(cred.Clone())
	}
}

func resultLabel(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidCredentials):
		return "rejected"
	case apperrors.Is(err, apperrors.ErrServer):
		return "server_error"
	default:
		return "error"
	}
}
