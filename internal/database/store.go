package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Store defines the interface for the daemon's persistence operations.
// All methods accept a context.Context for cancellation and timeouts.
//
// The group registry and restriction ledger are reloaded at the start of
// every ingestion iteration because the web admin surface writes to the
// same database file between iterations.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// Groups loads the group registry: chat id -> delete-messages flag.
	Groups(ctx context.Context) (map[int64]bool, error)

	// UpsertGroup inserts or updates a group registry entry.
	UpsertGroup(ctx context.Context, chatID int64, deleteMessages bool) error

	// EnsureGroup creates a group registry entry with default settings if
	// none exists. An existing entry is left untouched, so settings edited
	// through the web admin surface survive a bot rejoin.
	EnsureGroup(ctx context.Context, chatID int64) error

	// RemoveGroup deletes a group registry entry. Removing an absent
	// group is not an error.
	RemoveGroup(ctx context.Context, chatID int64) error

	// Restrictions loads the restriction ledger as a set of user ids.
	Restrictions(ctx context.Context) (map[int64]struct{}, error)

	// AddRestriction records a user as restricted. Adding a user already
	// present is a no-op.
	AddRestriction(ctx context.Context, userID int64) error

	// RemoveRestriction deletes a ledger entry. Removing an absent user
	// is not an error.
	RemoveRestriction(ctx context.Context, userID int64) error

	// Cursor returns the highest fully processed update id, or 0 when no
	// cursor has been stored yet.
	Cursor(ctx context.Context) (int64, error)

	// SetCursor stores the cursor. The cursor never decreases: a value
	// lower than the stored one is ignored.
	SetCursor(ctx context.Context, updateID int64) error

	// PruneVerifiedRestrictions removes ledger entries for users that
	// have since been verified through the web flow. This only clears the
	// local hint; it issues no platform calls and does not lift the
	// restriction itself.
	PruneVerifiedRestrictions(ctx context.Context) (int64, error)

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) Groups(ctx context.Context) (map[int64]bool, error) {
	var rows []Group
	if err := s.db.SelectContext(ctx, &rows, `SELECT chat_id, delete_restricted_messages, created_at, updated_at FROM groups`); err != nil {
		return nil, fmt.Errorf("failed to load group registry: %w", err)
	}

	groups := make(map[int64]bool, len(rows))
	for _, g := range rows {
		groups[g.ChatID] = g.DeleteRestrictedMessages
	}
	return groups, nil
}

func (s *sqlxStore) UpsertGroup(ctx context.Context, chatID int64, deleteMessages bool) error {
	query := `
        INSERT INTO groups (chat_id, delete_restricted_messages)
        VALUES (?, ?)
        ON CONFLICT(chat_id) DO UPDATE SET
            delete_restricted_messages = excluded.delete_restricted_messages,
            updated_at = CURRENT_TIMESTAMP;
    `
	if _, err := s.db.ExecContext(ctx, query, chatID, deleteMessages); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting group", "chat_id", chatID, "error", err)
		return fmt.Errorf("failed to upsert group %d: %w", chatID, err)
	}
	return nil
}

func (s *sqlxStore) EnsureGroup(ctx context.Context, chatID int64) error {
	query := `INSERT INTO groups (chat_id) VALUES (?) ON CONFLICT(chat_id) DO NOTHING;`
	if _, err := s.db.ExecContext(ctx, query, chatID); err != nil {
		s.logger.ErrorContext(ctx, "Error ensuring group", "chat_id", chatID, "error", err)
		return fmt.Errorf("failed to ensure group %d: %w", chatID, err)
	}
	return nil
}

func (s *sqlxStore) RemoveGroup(ctx context.Context, chatID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE chat_id = ?`, chatID); err != nil {
		s.logger.ErrorContext(ctx, "Error removing group", "chat_id", chatID, "error", err)
		return fmt.Errorf("failed to remove group %d: %w", chatID, err)
	}
	return nil
}

func (s *sqlxStore) Restrictions(ctx context.Context) (map[int64]struct{}, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM restrictions`); err != nil {
		return nil, fmt.Errorf("failed to load restriction ledger: %w", err)
	}

	restricted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		restricted[id] = struct{}{}
	}
	return restricted, nil
}

func (s *sqlxStore) AddRestriction(ctx context.Context, userID int64) error {
	query := `INSERT INTO restrictions (user_id) VALUES (?) ON CONFLICT(user_id) DO NOTHING;`
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		s.logger.ErrorContext(ctx, "Error adding restriction", "user_id", userID, "error", err)
		return fmt.Errorf("failed to add restriction for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) RemoveRestriction(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM restrictions WHERE user_id = ?`, userID); err != nil {
		s.logger.ErrorContext(ctx, "Error removing restriction", "user_id", userID, "error", err)
		return fmt.Errorf("failed to remove restriction for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) Cursor(ctx context.Context) (int64, error) {
	var updateID int64
	err := s.db.GetContext(ctx, &updateID, `SELECT update_id FROM ingest_cursor WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return updateID, nil
}

func (s *sqlxStore) SetCursor(ctx context.Context, updateID int64) error {
	// Monotonic guard: never move the cursor backwards, even if an older
	// batch is replayed after a crash.
	query := `
        INSERT INTO ingest_cursor (id, update_id) VALUES (1, ?)
        ON CONFLICT(id) DO UPDATE SET update_id = excluded.update_id
        WHERE excluded.update_id > ingest_cursor.update_id;
    `
	if _, err := s.db.ExecContext(ctx, query, updateID); err != nil {
		s.logger.ErrorContext(ctx, "Error storing cursor", "update_id", updateID, "error", err)
		return fmt.Errorf("failed to store cursor %d: %w", updateID, err)
	}
	return nil
}

func (s *sqlxStore) PruneVerifiedRestrictions(ctx context.Context) (int64, error) {
	query := `
        DELETE FROM restrictions
        WHERE user_id IN (
            SELECT user_id FROM verifications WHERE wiki_username IS NOT NULL
        );
    `
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error pruning verified restrictions", "error", err)
		return 0, fmt.Errorf("failed to prune verified restrictions: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not determine pruned row count", "error", err)
		return 0, nil
	}
	if pruned > 0 {
		s.logger.InfoContext(ctx, "Pruned verified users from restriction ledger", "count", pruned)
	}
	return pruned, nil
}

// RunSQLMaintenance performs routine database maintenance.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}
	s.logger.InfoContext(ctx, "Database maintenance completed")
	return nil
}
