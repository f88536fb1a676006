package database

import (
	"database/sql"
	"time"
)

// Group represents a chat group the bot is a member of, together with its
// moderation configuration. A row is created the first time the bot
// observes itself joining the group and removed when it is kicked or
// leaves.
type Group struct {
	ChatID    int64     `db:"chat_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	// DeleteRestrictedMessages controls whether messages posted by
	// ledger-resident users in this group are deleted.
	DeleteRestrictedMessages bool `db:"delete_restricted_messages"`
}

// Restriction records a user the daemon restricted and has not yet seen
// confirmed by the platform. The set is a hint for message deletion, not
// ground truth; Telegram's own member status is authoritative.
type Restriction struct {
	UserID       int64     `db:"user_id"`
	RestrictedAt time.Time `db:"restricted_at"`
}

// Verification is a row of the verification store written by the external
// web flow. A non-null wiki username means the Telegram account is linked
// to a verified wiki identity.
type Verification struct {
	UserID       int64          `db:"user_id"`
	WikiUsername sql.NullString `db:"wiki_username"`
	VerifiedAt   sql.NullTime   `db:"verified_at"`
}
