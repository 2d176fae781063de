//go:build js && wasm

package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syumai/workers/cloudflare/kv"
)

const (
	kvNamespace     = "storefront_session_kv"
	kvCredentialKey = "storefront_credential"
)

// KVStore keeps the four credential entries as one JSON value in Cloudflare
// KV, so a single put replaces the whole group.
type KVStore struct {
	kvStore *kv.Namespace
}

// NewKVStore binds the KV namespace configured in wrangler.toml
func NewKVStore() (*KVStore, error) {
	kvStore, err := kv.NewNamespace(kvNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &KVStore{kvStore: kvStore}, nil
}

var _ Store = (*KVStore)(nil)

func (c *KVStore) Load(ctx context.Context) (*Credential, error) {
	raw, err := c.kvStore.GetString(kvCredentialKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential from KV: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var entries map[string]string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse credential JSON: %w", err)
	}
	return FromEntries(entries)
}

func (c *KVStore) Save(ctx context.Context, cred *Credential) error {
	entries, err := cred.Entries()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	if err := c.kvStore.PutString(kvCredentialKey, string(raw), nil); err != nil {
		return fmt.Errorf("failed to store credential in KV: %w", err)
	}
	return nil
}

func (c *KVStore) Clear(ctx context.Context) error {
	if err := c.kvStore.Delete(kvCredentialKey); err != nil {
		return fmt.Errorf("failed to delete credential from KV: %w", err)
	}
	return nil
}
