package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/example/safety-net/internal/models"
	"github.com/example/safety-net/internal/realtime"
)

var ErrEmptyMessage = errors.New("app: empty message")

// Conversation fetches the message history with peerID.
func (a *App) Conversation(ctx context.Context, peerID string) ([]models.Message, error) {
	self := a.session.UserID()
	if self == "" {
		return nil, ErrNotLoggedIn
	}
	return a.api.Conversation(ctx, self, peerID)
}

// SendMessage stores a message on the server, then relays it on the channel
// so the receiver is notified. A relay failure is logged; the message is
// already stored.
func (a *App) SendMessage(ctx context.Context, peerID, content string) (models.Message, error) {
	self := a.session.UserID()
	if self == "" {
		return models.Message{}, ErrNotLoggedIn
	}
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	msg, err := a.api.SendMessage(ctx, models.Message{
		Sender:    self,
		Receiver:  peerID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return models.Message{}, err
	}
	if ch := a.Channel(); ch != nil {
		if err := ch.Emit(realtime.EventSendMessage, msg); err != nil {
			a.logger.Warn("sendMessage relay failed", "peer_id", peerID, "error", err)
		}
	}
	return msg, nil
}

// OpenConversation makes peerID the active conversation; unread messages
// from it are marked read.
func (a *App) OpenConversation(ctx context.Context, peerID string) error {
	return a.Unread.SetActive(ctx, peerID)
}
