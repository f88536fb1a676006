// Package telegram wraps the Bot API surface the daemon needs: the
// long-poll update source and the handful of moderation actions. Every
// method issues a single HTTP request with no internal retry; callers
// decide whether a failure is ignorable.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/wikigate/veribot/internal/event"
)

// denyAll is the permission set applied to restricted members: no
// messages, media, polls, invites, pins, topic management, or info
// changes.
var denyAll = models.ChatPermissions{
	CanSendMessages:       false,
	CanSendAudios:         false,
	CanSendDocuments:      false,
	CanSendPhotos:         false,
	CanSendVideos:         false,
	CanSendVideoNotes:     false,
	CanSendVoiceNotes:     false,
	CanSendPolls:          false,
	CanSendOtherMessages:  false,
	CanAddWebPagePreviews: false,
	CanChangeInfo:         false,
	CanInviteUsers:        false,
	CanPinMessages:        false,
	CanManageTopics:       false,
}

// Client is a thin actuator over the Telegram Bot API.
type Client struct {
	api    *bot.Bot
	token  string
	logger *slog.Logger
}

// NewClient creates a Telegram client from a bot token.
func NewClient(token string, logger *slog.Logger) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token cannot be empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	api, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Client{
		api:    api,
		token:  token,
		logger: logger.With("component", "telegram"),
	}, nil
}

// Me fetches the bot's own account, validating the token in the process.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	me, err := c.api.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("getMe failed: %w", err)
	}
	return me, nil
}

// ChatMemberStatus fetches a member's current status directly from the
// platform. The reconciler uses this instead of trusting a possibly stale
// membership event.
func (c *Client) ChatMemberStatus(ctx context.Context, chatID, userID int64) (event.Status, error) {
	member, err := c.api.GetChatMember(ctx, &bot.GetChatMemberParams{
		ChatID: chatID,
		UserID: userID,
	})
	if err != nil {
		return event.StatusUnknown, fmt.Errorf("getChatMember failed for user %d in chat %d: %w", userID, chatID, err)
	}
	return event.MemberStatus(*member), nil
}

// Restrict applies the deny-all permission set to a member. Restricting an
// already-restricted member is a no-op on the Telegram side, which keeps
// replayed events harmless.
func (c *Client) Restrict(ctx context.Context, chatID, userID int64) error {
	ok, err := c.api.RestrictChatMember(ctx, &bot.RestrictChatMemberParams{
		ChatID:      chatID,
		UserID:      userID,
		Permissions: &denyAll,
	})
	if err != nil {
		return fmt.Errorf("restrictChatMember failed for user %d in chat %d: %w", userID, chatID, err)
	}
	if !ok {
		return fmt.Errorf("restrictChatMember rejected for user %d in chat %d", userID, chatID)
	}
	return nil
}

// DeleteMessage removes a message from a chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	ok, err := c.api.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: messageID,
	})
	if err != nil {
		return fmt.Errorf("deleteMessage failed for message %d in chat %d: %w", messageID, chatID, err)
	}
	if !ok {
		return fmt.Errorf("deleteMessage rejected for message %d in chat %d", messageID, chatID)
	}
	return nil
}

// ChatAdministrators lists a chat's administrators. The daemon itself does
// not call this; the web admin surface uses it to decide who may edit a
// group's configuration.
func (c *Client) ChatAdministrators(ctx context.Context, chatID int64) ([]models.ChatMember, error) {
	admins, err := c.api.GetChatAdministrators(ctx, &bot.GetChatAdministratorsParams{
		ChatID: chatID,
	})
	if err != nil {
		return nil, fmt.Errorf("getChatAdministrators failed for chat %d: %w", chatID, err)
	}
	return admins, nil
}
