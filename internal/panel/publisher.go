package panel

import (
	"context"
	"errors"
	"fmt"

	"github.com/breeze-rmm/rdpwatch/internal/logging"
)

var log = logging.L("panel")

// Panel owns the single panel message in the configured channel.
type Panel struct {
	client    MessageClient
	identity  *IdentityStore
	channelID string
}

func NewPanel(client MessageClient, identity *IdentityStore, channelID string) *Panel {
	return &Panel{client: client, identity: identity, channelID: channelID}
}

// Restore checks that the stored message still exists, clearing the
// identity when it does not so the next publish creates a fresh one.
func (p *Panel) Restore(ctx context.Context) (PanelIdentity, error) {
	id, err := p.identity.Load(ctx)
	if err != nil {
		return PanelIdentity{}, err
	}
	if id.MessageID == "" {
		return id, nil
	}
	if id.ChannelID != "" && id.ChannelID != p.channelID {
		log.Info("panel channel changed, will create a new message", "old", id.ChannelID, "new", p.channelID)
		return PanelIdentity{}, p.identity.Save(ctx, PanelIdentity{})
	}

	err = p.client.GetMessage(ctx, p.channelID, id.MessageID)
	if errors.Is(err, ErrMessageMissing) {
		log.Info("stored panel message is gone", "messageId", id.MessageID)
		return PanelIdentity{}, p.identity.Save(ctx, PanelIdentity{})
	}
	if err != nil {
		// Keep the identity; Publish will sort it out.
		log.Warn("could not verify panel message", logging.KeyError, err.Error())
	}
	return id, nil
}

// Publish edits the panel message, creating it when there is none or when
// the stored one has disappeared.
func (p *Panel) Publish(ctx context.Context, payload Payload) error {
	id, err := p.identity.Load(ctx)
	if err != nil {
		return err
	}
	if id.ChannelID != "" && id.ChannelID != p.channelID {
		id = PanelIdentity{}
	}

	if id.MessageID != "" {
		err := p.client.EditMessage(ctx, p.channelID, id.MessageID, payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrMessageMissing) {
			return fmt.Errorf("edit panel: %w", err)
		}
		log.Info("panel message missing, recreating", "messageId", id.MessageID)
		if err := p.identity.Save(ctx, PanelIdentity{}); err != nil {
			return err
		}
	}

	messageID, err := p.client.CreateMessage(ctx, p.channelID, payload)
	if err != nil {
		return fmt.Errorf("create panel: %w", err)
	}
	log.Info("panel message created", "messageId", messageID)
	return p.identity.Save(ctx, PanelIdentity{MessageID: messageID, ChannelID: p.channelID})
}

// Remove deletes the panel message and clears the identity. A message that
// is already gone is not an error.
func (p *Panel) Remove(ctx context.Context) error {
	id, err := p.identity.Load(ctx)
	if err != nil {
		return err
	}
	if id.MessageID == "" {
		return nil
	}
	channel := id.ChannelID
	if channel == "" {
		channel = p.channelID
	}
	if err := p.client.DeleteMessage(ctx, channel, id.MessageID); err != nil && !errors.Is(err, ErrMessageMissing) {
		return fmt.Errorf("delete panel: %w", err)
	}
	return p.identity.Save(ctx, PanelIdentity{})
}
