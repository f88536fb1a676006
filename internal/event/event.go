// Package event defines the daemon's internal view of the Telegram update
// stream. Raw updates are decoded into a tagged union of the three event
// kinds the reconciler cares about; everything else is discarded at the
// ingestion boundary so handlers never probe optional fields.
package event

import (
	"github.com/go-telegram/bot/models"
)

// Status is a chat-member status as reported by Telegram.
type Status string

const (
	StatusCreator       Status = "creator"
	StatusAdministrator Status = "administrator"
	StatusMember        Status = "member"
	StatusRestricted    Status = "restricted"
	StatusLeft          Status = "left"
	StatusKicked        Status = "kicked"
	StatusUnknown       Status = ""
)

// ChatTypePrivate identifies one-on-one chats, which the reconciler
// ignores for membership tracking.
const ChatTypePrivate = "private"

// User identifies the subject of a membership change.
type User struct {
	ID       int64
	Username string
	IsBot    bool
}

// Event is one decoded unit from the update stream. Exactly one of the
// three concrete types below implements it.
type Event interface {
	// UpdateID returns the update's sequence number within the stream.
	UpdateID() int64
}

// BotMembershipChanged reports a change of the bot's own status in a chat.
type BotMembershipChanged struct {
	ID        int64
	ChatID    int64
	ChatType  string
	NewStatus Status
}

// UserMembershipChanged reports a change of another user's status in a chat.
type UserMembershipChanged struct {
	ID        int64
	ChatID    int64
	ChatType  string
	User      User
	NewStatus Status
}

// MessagePosted reports a message sent to a chat the bot can see.
type MessagePosted struct {
	ID        int64
	ChatID    int64
	MessageID int
	UserID    int64
}

func (e BotMembershipChanged) UpdateID() int64  { return e.ID }
func (e UserMembershipChanged) UpdateID() int64 { return e.ID }
func (e MessagePosted) UpdateID() int64         { return e.ID }

// FromUpdate decodes a raw Telegram update into an Event. It returns false
// for update kinds the daemon does not handle and for updates missing the
// fields a handler would need; those are skipped, never an error.
func FromUpdate(u *models.Update) (Event, bool) {
	if u == nil {
		return nil, false
	}

	switch {
	case u.MyChatMember != nil:
		return BotMembershipChanged{
			ID:        u.ID,
			ChatID:    u.MyChatMember.Chat.ID,
			ChatType:  string(u.MyChatMember.Chat.Type),
			NewStatus: memberStatus(u.MyChatMember.NewChatMember),
		}, true

	case u.ChatMember != nil:
		subject := memberUser(u.ChatMember.NewChatMember)
		if subject == nil {
			return nil, false
		}
		return UserMembershipChanged{
			ID:       u.ID,
			ChatID:   u.ChatMember.Chat.ID,
			ChatType: string(u.ChatMember.Chat.Type),
			User: User{
				ID:       subject.ID,
				Username: subject.Username,
				IsBot:    subject.IsBot,
			},
			NewStatus: memberStatus(u.ChatMember.NewChatMember),
		}, true

	case u.Message != nil:
		if u.Message.From == nil {
			return nil, false
		}
		return MessagePosted{
			ID:        u.ID,
			ChatID:    u.Message.Chat.ID,
			MessageID: u.Message.ID,
			UserID:    u.Message.From.ID,
		}, true
	}

	return nil, false
}

// MemberStatus maps a ChatMember union value to its status.
func MemberStatus(m models.ChatMember) Status {
	return memberStatus(m)
}

func memberStatus(m models.ChatMember) Status {
	switch {
	case m.Owner != nil:
		return StatusCreator
	case m.Administrator != nil:
		return StatusAdministrator
	case m.Member != nil:
		return StatusMember
	case m.Restricted != nil:
		return StatusRestricted
	case m.Left != nil:
		return StatusLeft
	case m.Banned != nil:
		return StatusKicked
	}
	return StatusUnknown
}

func memberUser(m models.ChatMember) *models.User {
	switch {
	case m.Owner != nil:
		return m.Owner.User
	case m.Administrator != nil:
		// ChatMemberAdministrator carries its user by value, unlike the
		// other variants.
		return &m.Administrator.User
	case m.Member != nil:
		return m.Member.User
	case m.Restricted != nil:
		return m.Restricted.User
	case m.Left != nil:
		return m.Left.User
	case m.Banned != nil:
		return m.Banned.User
	}
	return nil
}
