package credentials

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process credential store shared by several views.
// Each view behaves like a browser tab over the same local storage: writes
// made through one view are announced to the watchers of every other view.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]string
	watches map[*MemoryStore][]chan Change
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		watches: make(map[*MemoryStore][]chan Change),
	}
}

// View returns a new store over the shared entries
func (b *MemoryBackend) View() *MemoryStore {
	return &MemoryStore{backend: b}
}

// Entries returns a copy of the raw persisted entries (nil when cleared)
func (b *MemoryBackend) Entries() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries == nil {
		return nil
	}
	cp := make(map[string]string, len(b.entries))
	for k, v := range b.entries {
		cp[k] = v
	}
	return cp
}

func (b *MemoryBackend) replace(origin *MemoryStore, entries map[string]string, c *Credential) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = entries
	for view, chans := range b.watches {
		if view == origin {
			continue
		}
		for _, ch := range chans {
			offerLatest(ch, Change{Credential: c.Clone()})
		}
	}
}

// offerLatest delivers ch's newest value without blocking, dropping a
// pending older one. Receivers treat every change as a whole replacement.
func offerLatest(ch chan Change, change Change) {
	for {
		select {
		case ch <- change:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// MemoryStore is one view over a MemoryBackend
type MemoryStore struct {
	backend *MemoryBackend
}

// NewMemoryStore returns a standalone in-memory store
func NewMemoryStore() *MemoryStore {
	return NewMemoryBackend().View()
}

var _ Store = (*MemoryStore)(nil)
var _ Watcher = (*MemoryStore)(nil)

func (m *MemoryStore) Load(ctx context.Context) (*Credential, error) {
	return FromEntries(m.backend.Entries())
}

func (m *MemoryStore) Save(ctx context.Context, c *Credential) error {
	entries, err := c.Entries()
	if err != nil {
		return err
	}
	m.backend.replace(m, entries, c)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.backend.replace(m, nil, nil)
	return nil
}

// Watch reports writes made through other views of the same backend
func (m *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	in := make(chan Change, 1)
	b := m.backend
	b.mu.Lock()
	b.watches[m] = append(b.watches[m], in)
	b.mu.Unlock()

	out := make(chan Change)
	go func() {
		defer close(out)
		defer m.unwatch(in)
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-in:
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MemoryStore) unwatch(ch chan Change) {
	b := m.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.watches[m]
	for i, c := range chans {
		if c == ch {
			b.watches[m] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(b.watches[m]) == 0 {
		delete(b.watches, m)
	}
}
