package panel

import (
	"context"
	"errors"
	"fmt"

	"github.com/breeze-rmm/rdpwatch/internal/kvstore"
)

const identityKey = "panel_identity"

// PanelIdentity is the persisted id of the panel message. An empty
// MessageID means no message has been created yet.
type PanelIdentity struct {
	MessageID string `json:"messageId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

// KV is the subset of the key/value store the identity needs.
type KV interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// IdentityStore persists the panel message identity across restarts.
type IdentityStore struct {
	kv KV
}

func NewIdentityStore(kv KV) *IdentityStore {
	return &IdentityStore{kv: kv}
}

// Load returns the stored identity, or an empty one on first run.
func (s *IdentityStore) Load(ctx context.Context) (PanelIdentity, error) {
	var id PanelIdentity
	err := s.kv.GetJSON(ctx, identityKey, &id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return PanelIdentity{}, nil
	}
	if err != nil {
		return PanelIdentity{}, fmt.Errorf("load panel identity: %w", err)
	}
	return id, nil
}

// Save stores id. Saving an empty identity clears it.
func (s *IdentityStore) Save(ctx context.Context, id PanelIdentity) error {
	if id.MessageID == "" {
		if err := s.kv.Delete(ctx, identityKey); err != nil {
			return fmt.Errorf("clear panel identity: %w", err)
		}
		return nil
	}
	if err := s.kv.SetJSON(ctx, identityKey, id); err != nil {
		return fmt.Errorf("save panel identity: %w", err)
	}
	return nil
}
