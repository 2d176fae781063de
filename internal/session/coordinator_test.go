package session_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dvcrn/storefront-session/internal/credentials"
	apperrors "github.com/dvcrn/storefront-session/internal/errors"
	"github.com/dvcrn/storefront-session/internal/session"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubBackend struct {
	clock clockwork.Clock

	mu            sync.Mutex
	loginCalls    int
	refreshCalls  int
	logoutCalls   int
	refreshTokens []string
	loginErr      error
	refreshErr    error
	logoutErr     error
	// refreshGate, when set, holds every Refresh call until it is closed
	refreshGate chan struct{}
}

func (b *stubBackend) Login(ctx context.Context, identifier, secret string) (*credentials.Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loginCalls++
	if b.loginErr != nil {
		return nil, b.loginErr
	}
	return &credentials.Credential{
		User:         credentials.User{ID: "u-1", Name: identifier},
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		ExpiresAt:    b.clock.Now().Add(15 * time.Minute),
	}, nil
}

func (b *stubBackend) Refresh(ctx context.Context, refreshToken string) (*credentials.Credential, error) {
	b.mu.Lock()
	b.refreshCalls++
	n := b.refreshCalls
	b.refreshTokens = append(b.refreshTokens, refreshToken)
	gate, err := b.refreshGate, b.refreshErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	// The backend does not echo the user on refresh.
	return &credentials.Credential{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		ExpiresAt:    b.clock.Now().Add(15 * time.Minute),
	}, nil
}

func (b *stubBackend) Logout(ctx context.Context, refreshToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logoutCalls++
	return b.logoutErr
}

func (b *stubBackend) refreshes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

func (b *stubBackend) logouts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logoutCalls
}

func newCoordinator(t *testing.T, store credentials.Store, backend *stubBackend, opts ...session.Option) *session.Coordinator {
	t.Helper()
	opts = append([]session.Option{session.WithClock(backend.clock)}, opts...)
	c, err := session.New(context.Background(), store, backend, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func expiringCredential(clock clockwork.Clock, in time.Duration) *credentials.Credential {
	return &credentials.Credential{
		User:         credentials.User{ID: "u-1", Name: "Ada"},
		AccessToken:  "access-0",
		RefreshToken: "refresh-0",
		ExpiresAt:    clock.Now().Add(in),
	}
}

func TestNewRestoresPersistedCredential(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), expiringCredential(clock, time.Hour)))

	c := newCoordinator(t, store, &stubBackend{clock: clock})
	require.True(t, c.Current().Equal(expiringCredential(clock, time.Hour)))

	token, err := c.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-0", token)
}

type incompleteStore struct {
	credentials.Store
	cleared bool
}

func (s *incompleteStore) Load(ctx context.Context) (*credentials.Credential, error) {
	return nil, fmt.Errorf("2 of 4 entries present: %w", apperrors.ErrIncompleteCredential)
}

func (s *incompleteStore) Clear(ctx context.Context) error {
	s.cleared = true
	return nil
}

func TestNewClearsIncompleteCredential(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	store := &incompleteStore{}

	c := newCoordinator(t, store, &stubBackend{clock: clock})
	require.True(t, store.cleared)
	require.Nil(t, c.Current())
}

func TestLoginPersistsAndNotifies(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	backend := credentials.NewMemoryBackend()

	var seen []*credentials.Credential
	c := newCoordinator(t, backend.View(), &stubBackend{clock: clock},
		session.WithListener(func(cred *credentials.Credential) { seen = append(seen, cred) }))

	cred, err := c.Login(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	require.Equal(t, "access-0", cred.AccessToken)

	entries := backend.Entries()
	require.Equal(t, "access-0", entries[credentials.KeyAccessToken])
	require.Equal(t, "refresh-0", entries[credentials.KeyRefreshToken])
	require.Len(t, seen, 1)
	require.True(t, seen[0].Equal(cred))
}

func TestLoginRejectedLeavesStoreEmpty(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	backend := credentials.NewMemoryBackend()
	stub := &stubBackend{
		clock:    clock,
		loginErr: &apperrors.BackendError{Kind: apperrors.ErrInvalidCredentials, Code: 401, Message: "Email or password is incorrect"},
	}
	c := newCoordinator(t, backend.View(), stub)

	_, err := c.Login(context.Background(), "ada@example.com", "wrong")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	require.EqualError(t, err, "Email or password is incorrect")
	require.Nil(t, backend.Entries())
	require.Nil(t, c.Current())
}

func TestGetValidAccessTokenWithoutSession(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{clock: clock}
	c := newCoordinator(t, credentials.NewMemoryStore(), stub)

	_, err := c.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	require.Zero(t, stub.refreshes())
}

func TestFreshTokenIsNotRefreshed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{clock: clock}
	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), expiringCredential(clock, time.Minute)))
	c := newCoordinator(t, store, stub)

	token, err := c.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-0", token)
	require.Zero(t, stub.refreshes())

	// 31s before expiry is still outside the margin, 29s is not.
	clock.Advance(29 * time.Second)
	_, err = c.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Zero(t, stub.refreshes())

	clock.Advance(2 * time.Second)
	token, err = c.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", token)
	require.Equal(t, 1, stub.refreshes())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{clock: clock, refreshGate: make(chan struct{})}
	backend := credentials.NewMemoryBackend()
	require.NoError(t, backend.View().Save(context.Background(), expiringCredential(clock, 10*time.Second)))
	c := newCoordinator(t, backend.View(), stub)

	const callers = 10
	tokens := make(chan string, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := c.GetValidAccessToken(context.Background())
			if err != nil {
				errs <- err
				return
			}
			tokens <- token
		}()
	}

	require.Eventually(t, func() bool { return stub.refreshes() == 1 }, time.Second, 5*time.Millisecond)
	close(stub.refreshGate)
	wg.Wait()
	close(tokens)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for token := range tokens {
		require.Equal(t, "access-1", token)
	}
	require.Equal(t, 1, stub.refreshes())
	require.Equal(t, []string{"refresh-0"}, stub.refreshTokens)
	require.Equal(t, "access-1", backend.Entries()[credentials.KeyAccessToken])
}

func TestRefreshKeepsUserWhenOmitted(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), expiringCredential(clock, time.Hour)))
	c := newCoordinator(t, store, &stubBackend{clock: clock})

	cred, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", cred.AccessToken)
	require.Equal(t, credentials.User{ID: "u-1", Name: "Ada"}, cred.User)

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, loaded.Equal(cred))
}

func TestRefreshFailureClearsSession(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{
		clock:      clock,
		refreshErr: &apperrors.BackendError{Kind: apperrors.ErrSessionExpired, Code: 403, Message: "refresh token revoked"},
	}
	backend := credentials.NewMemoryBackend()
	require.NoError(t, backend.View().Save(context.Background(), expiringCredential(clock, 0)))

	var last *credentials.Credential
	notified := false
	c := newCoordinator(t, backend.View(), stub, session.WithListener(func(cred *credentials.Credential) {
		notified = true
		last = cred
	}))

	_, err := c.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.Nil(t, backend.Entries())
	require.Nil(t, c.Current())
	require.True(t, notified)
	require.Nil(t, last)

	_, err = c.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	require.Equal(t, 1, stub.refreshes())
}

func TestCallerCancellationDoesNotAbortSharedRefresh(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{clock: clock, refreshGate: make(chan struct{})}
	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), expiringCredential(clock, 0)))
	c := newCoordinator(t, store, stub)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetValidAccessToken(ctx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return stub.refreshes() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan string, 1)
	go func() {
		token, err := c.GetValidAccessToken(context.Background())
		if err == nil {
			second <- token
		}
		close(second)
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(stub.refreshGate)
	require.Equal(t, "access-1", <-second)
	require.Equal(t, 1, stub.refreshes())
}

func TestLogoutDiscardsInFlightRefresh(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{clock: clock, refreshGate: make(chan struct{})}
	backend := credentials.NewMemoryBackend()
	require.NoError(t, backend.View().Save(context.Background(), expiringCredential(clock, 0)))
	c := newCoordinator(t, backend.View(), stub)

	result := make(chan error, 1)
	go func() {
		_, err := c.GetValidAccessToken(context.Background())
		result <- err
	}()
	require.Eventually(t, func() bool { return stub.refreshes() == 1 }, time.Second, 5*time.Millisecond)

	c.Logout(context.Background())
	close(stub.refreshGate)

	require.ErrorIs(t, <-result, apperrors.ErrUnauthenticated)
	require.Nil(t, c.Current())
	require.Nil(t, backend.Entries())

	c.Close()
	require.Equal(t, 1, stub.logouts())
}

func TestLogoutIgnoresBackendFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{clock: clock, logoutErr: apperrors.ErrServer}
	backend := credentials.NewMemoryBackend()
	c := newCoordinator(t, backend.View(), stub)

	_, err := c.Login(context.Background(), "ada", "pw")
	require.NoError(t, err)

	c.Logout(context.Background())
	c.Close()

	require.Nil(t, c.Current())
	require.Nil(t, backend.Entries())
	require.Equal(t, 1, stub.logouts())

	// Logging out twice is harmless and skips the network.
	c.Logout(context.Background())
	require.Equal(t, 1, stub.logouts())
}

func TestCrossContextSync(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{clock: clock}
	backend := credentials.NewMemoryBackend()

	tabA := newCoordinator(t, backend.View(), stub)
	tabB := newCoordinator(t, backend.View(), stub)

	loggedIn, err := tabA.Login(context.Background(), "ada", "pw")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tabB.Current().Equal(loggedIn) }, time.Second, 5*time.Millisecond)

	token, err := tabB.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-0", token)

	refreshed, err := tabA.Refresh(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tabB.Current().Equal(refreshed) }, time.Second, 5*time.Millisecond)

	tabA.Logout(context.Background())
	require.Eventually(t, func() bool { return tabB.Current() == nil }, time.Second, 5*time.Millisecond)

	_, err = tabB.GetValidAccessToken(context.Background())
	require.ErrorIs(t, err, apperrors.ErrUnauthenticated)

	tabA.Close()
	tabB.Close()
	require.Equal(t, 1, stub.refreshes())
	require.Equal(t, 1, stub.logouts(), "only the tab that logged out calls the backend")
}

func TestBackgroundRefresh(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	stub := &stubBackend{clock: clock}
	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), expiringCredential(clock, 80*time.Second)))

	c := newCoordinator(t, store, stub, session.WithBackgroundRefresh(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return stub.refreshes() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		cur := c.Current()
		return cur != nil && cur.AccessToken == "access-1"
	}, time.Second, 5*time.Millisecond)
}

func TestTokenSource(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	store := credentials.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), expiringCredential(clock, time.Hour)))
	c := newCoordinator(t, store, &stubBackend{clock: clock})

	tok, err := c.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	require.Equal(t, "access-0", tok.AccessToken)
	require.Equal(t, "Bearer", tok.TokenType)
	require.True(t, tok.Expiry.Equal(start.Add(time.Hour-session.DefaultExpiryMargin)))

	c.Logout(context.Background())
	_, err = c.TokenSource(context.Background()).Token()
	require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}

func TestCrossProcessSync(t *testing.T) {
	tests := []struct {
		name   string
		stores func(t *testing.T) (credentials.Store, credentials.Store)
	}{
		{
			name: "file",
			stores: func(t *testing.T) (credentials.Store, credentials.Store) {
				path := filepath.Join(t.TempDir(), "credentials.json")
				return credentials.NewFileStore(path, zerolog.Nop()), credentials.NewFileStore(path, zerolog.Nop())
			},
		},
		{
			name: "redis",
			stores: func(t *testing.T) (credentials.Store, credentials.Store) {
				mr := miniredis.RunT(t)
				a := credentials.NewRedisStore(mr.Addr(), "", 0)
				b := credentials.NewRedisStore(mr.Addr(), "", 0)
				t.Cleanup(func() {
					a.Close()
					b.Close()
				})
				return a, b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(start)
			stub := &stubBackend{clock: clock}
			storeA, storeB := tt.stores(t)

			procA := newCoordinator(t, storeA, stub)
			procB := newCoordinator(t, storeB, stub)

			cred, err := procA.Login(context.Background(), "ada", "pw")
			require.NoError(t, err)
			require.Eventually(t, func() bool { return procB.Current().Equal(cred) }, 2*time.Second, 10*time.Millisecond)
			require.True(t, procA.Current().Equal(cred), "own write echo must not disturb the writer")

			procA.Logout(context.Background())
			require.Eventually(t, func() bool { return procB.Current() == nil }, 2*time.Second, 10*time.Millisecond)
		})
	}
}
