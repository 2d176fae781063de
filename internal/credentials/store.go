package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/dvcrn/storefront-session/internal/errors"
)

// Persisted entry keys. The four entries are written and cleared as a group.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiresAt    = "expires_at"
	KeyUser         = "user"
)

var entryKeys = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser}

// User is the identity attached to a credential
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Credential is the authenticated session: token pair, expiry and identity
type Credential struct {
	User         User
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether every field of the credential is present
func (c *Credential) Valid() bool {
	return c != nil &&
		c.User.ID != "" &&
		c.AccessToken != "" &&
		c.RefreshToken != "" &&
		!c.ExpiresAt.IsZero()
}

// Clone returns a copy that shares nothing with c
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Equal compares two credentials field by field. Two nil credentials are equal.
func (c *Credential) Equal(o *Credential) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return c.User == o.User &&
		c.AccessToken == o.AccessToken &&
		c.RefreshToken == o.RefreshToken &&
		c.ExpiresAt.Equal(o.ExpiresAt)
}

// Entries encodes the credential into its four persisted string entries.
// ExpiresAt is stored as epoch milliseconds.
func (c *Credential) Entries() (map[string]string, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("refusing to persist %w", apperrors.ErrIncompleteCredential)
	}
	user, err := json.Marshal(c.User)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user: %w", err)
	}
	return map[string]string{
		KeyAccessToken:  c.AccessToken,
		KeyRefreshToken: c.RefreshToken,
		KeyExpiresAt:    strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10),
		KeyUser:         string(user),
	}, nil
}

// FromEntries decodes persisted entries. No entries at all means logged out
// and returns nil, nil. A partial group returns ErrIncompleteCredential.
func FromEntries(entries map[string]string) (*Credential, error) {
	present := 0
	for _, k := range entryKeys {
		if entries[k] != "" {
			present++
		}
	}
	if present == 0 {
		return nil, nil
	}
	if present != len(entryKeys) {
		return nil, fmt.Errorf("%d of %d entries present: %w", present, len(entryKeys), apperrors.ErrIncompleteCredential)
	}

	ms, err := strconv.ParseInt(entries[KeyExpiresAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", KeyExpiresAt, err)
	}
	var user User
	if err := json.Unmarshal([]byte(entries[KeyUser]), &user); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", KeyUser, err)
	}

	c := &Credential{
		User:         user,
		AccessToken:  entries[KeyAccessToken],
		RefreshToken: entries[KeyRefreshToken],
		ExpiresAt:    time.UnixMilli(ms),
	}
	if !c.Valid() {
		return nil, fmt.Errorf("decoded credential: %w", apperrors.ErrIncompleteCredential)
	}
	return c, nil
}

// Store persists the current credential. Save and Clear replace the whole
// group of entries; readers never observe a partial update.
type Store interface {
	// Load returns nil, nil when nothing is stored
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, c *Credential) error
	Clear(ctx context.Context) error
}

// Change is a notification that the persisted credential was replaced by
// another execution context. A nil Credential means it was cleared.
type Change struct {
	Credential *Credential
}

// Watcher is implemented by stores that can report writes made elsewhere
// (another process, another instance sharing the same backend).
type Watcher interface {
	// Watch streams changes until ctx is done, then closes the channel
	Watch(ctx context.Context) (<-chan Change, error)
}
