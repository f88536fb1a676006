package event_test

import (
	"testing"

	"github.com/go-telegram/bot/models"

	"github.com/wikigate/veribot/internal/event"
)

func TestFromUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		update *models.Update
		want   event.Event
		wantOK bool
	}{
		{
			name:   "nil update",
			update: nil,
			wantOK: false,
		},
		{
			name:   "empty update",
			update: &models.Update{ID: 5},
			wantOK: false,
		},
		{
			name: "bot promoted to administrator",
			update: &models.Update{
				ID: 10,
				MyChatMember: &models.ChatMemberUpdated{
					Chat: models.Chat{ID: -100123, Type: "supergroup"},
					NewChatMember: models.ChatMember{
						Administrator: &models.ChatMemberAdministrator{
							User: models.User{ID: 999, IsBot: true},
						},
					},
				},
			},
			want: event.BotMembershipChanged{
				ID:        10,
				ChatID:    -100123,
				ChatType:  "supergroup",
				NewStatus: event.StatusAdministrator,
			},
			wantOK: true,
		},
		{
			name: "bot removed from group",
			update: &models.Update{
				ID: 11,
				MyChatMember: &models.ChatMemberUpdated{
					Chat: models.Chat{ID: -100123, Type: "supergroup"},
					NewChatMember: models.ChatMember{
						Left: &models.ChatMemberLeft{
							User: &models.User{ID: 999, IsBot: true},
						},
					},
				},
			},
			want: event.BotMembershipChanged{
				ID:        11,
				ChatID:    -100123,
				ChatType:  "supergroup",
				NewStatus: event.StatusLeft,
			},
			wantOK: true,
		},
		{
			name: "user joins group",
			update: &models.Update{
				ID: 12,
				ChatMember: &models.ChatMemberUpdated{
					Chat: models.Chat{ID: -100123, Type: "supergroup"},
					NewChatMember: models.ChatMember{
						Member: &models.ChatMemberMember{
							User: &models.User{ID: 42, Username: "newcomer"},
						},
					},
				},
			},
			want: event.UserMembershipChanged{
				ID:        12,
				ChatID:    -100123,
				ChatType:  "supergroup",
				User:      event.User{ID: 42, Username: "newcomer"},
				NewStatus: event.StatusMember,
			},
			wantOK: true,
		},
		{
			name: "user restriction confirmed",
			update: &models.Update{
				ID: 13,
				ChatMember: &models.ChatMemberUpdated{
					Chat: models.Chat{ID: -100123, Type: "supergroup"},
					NewChatMember: models.ChatMember{
						Restricted: &models.ChatMemberRestricted{
							User: &models.User{ID: 42, Username: "newcomer"},
						},
					},
				},
			},
			want: event.UserMembershipChanged{
				ID:        13,
				ChatID:    -100123,
				ChatType:  "supergroup",
				User:      event.User{ID: 42, Username: "newcomer"},
				NewStatus: event.StatusRestricted,
			},
			wantOK: true,
		},
		{
			name: "user promoted to administrator",
			update: &models.Update{
				ID: 18,
				ChatMember: &models.ChatMemberUpdated{
					Chat: models.Chat{ID: -100123, Type: "supergroup"},
					NewChatMember: models.ChatMember{
						Administrator: &models.ChatMemberAdministrator{
							User: models.User{ID: 21, Username: "mod"},
						},
					},
				},
			},
			want: event.UserMembershipChanged{
				ID:        18,
				ChatID:    -100123,
				ChatType:  "supergroup",
				User:      event.User{ID: 21, Username: "mod"},
				NewStatus: event.StatusAdministrator,
			},
			wantOK: true,
		},
		{
			name: "user banned",
			update: &models.Update{
				ID: 14,
				ChatMember: &models.ChatMemberUpdated{
					Chat: models.Chat{ID: -100123, Type: "supergroup"},
					NewChatMember: models.ChatMember{
						Banned: &models.ChatMemberBanned{
							User: &models.User{ID: 42},
						},
					},
				},
			},
			want: event.UserMembershipChanged{
				ID:        14,
				ChatID:    -100123,
				ChatType:  "supergroup",
				User:      event.User{ID: 42},
				NewStatus: event.StatusKicked,
			},
			wantOK: true,
		},
		{
			name: "membership change without subject user",
			update: &models.Update{
				ID: 15,
				ChatMember: &models.ChatMemberUpdated{
					Chat:          models.Chat{ID: -100123, Type: "supergroup"},
					NewChatMember: models.ChatMember{},
				},
			},
			wantOK: false,
		},
		{
			name: "message posted",
			update: &models.Update{
				ID: 16,
				Message: &models.Message{
					ID:   555,
					Chat: models.Chat{ID: -100123, Type: "supergroup"},
					From: &models.User{ID: 7},
					Text: "hello",
				},
			},
			want: event.MessagePosted{
				ID:        16,
				ChatID:    -100123,
				MessageID: 555,
				UserID:    7,
			},
			wantOK: true,
		},
		{
			name: "message without sender",
			update: &models.Update{
				ID: 17,
				Message: &models.Message{
					ID:   556,
					Chat: models.Chat{ID: -100123, Type: "supergroup"},
				},
			},
			wantOK: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := event.FromUpdate(tc.update)
			if ok != tc.wantOK {
				t.Fatalf("FromUpdate() ok = %v, want %v", ok, tc.wantOK)
			}
			if !tc.wantOK {
				return
			}
			if got != tc.want {
				t.Errorf("FromUpdate() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestMemberStatusPrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		member models.ChatMember
		want   event.Status
	}{
		{"owner", models.ChatMember{Owner: &models.ChatMemberOwner{User: &models.User{ID: 1}}}, event.StatusCreator},
		{"member", models.ChatMember{Member: &models.ChatMemberMember{User: &models.User{ID: 1}}}, event.StatusMember},
		{"restricted", models.ChatMember{Restricted: &models.ChatMemberRestricted{User: &models.User{ID: 1}}}, event.StatusRestricted},
		{"none", models.ChatMember{}, event.StatusUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := event.MemberStatus(tc.member); got != tc.want {
				t.Errorf("MemberStatus() = %q, want %q", got, tc.want)
			}
		})
	}
}
