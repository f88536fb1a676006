// Package verify exposes the identity-verification records written by the
// external web flow. The daemon never writes these records; it only asks
// whether a Telegram account is already linked to a verified wiki identity.
package verify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/wikigate/veribot/internal/database"
)

// ErrUnavailable marks oracle lookup failures. Unlike a failed Telegram
// call, the daemon cannot substitute a guess for a missing verification
// answer, so callers treat this as fatal for the current iteration.
var ErrUnavailable = errors.New("verification store unavailable")

// Oracle answers whether a Telegram user holds a verified identity.
type Oracle interface {
	IsVerified(ctx context.Context, userID int64) (bool, error)
}

// SQLOracle reads the verifications table shared with the web flow.
type SQLOracle struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLOracle creates an Oracle backed by the shared SQLite database.
func NewSQLOracle(db *sqlx.DB, logger *slog.Logger) *SQLOracle {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SQLOracle{
		db:     db,
		logger: logger.With("component", "oracle"),
	}
}

// IsVerified reports whether the user has a verification record with a
// linked wiki username. A missing record means not verified; a query
// failure wraps ErrUnavailable.
func (o *SQLOracle) IsVerified(ctx context.Context, userID int64) (bool, error) {
	rec, err := o.Lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.WikiUsername.Valid, nil
}

// Lookup returns the verification record for a user, or nil when none
// exists. The admin lookup form uses this to show the linked identity.
func (o *SQLOracle) Lookup(ctx context.Context, userID int64) (*database.Verification, error) {
	var rec database.Verification
	err := o.db.GetContext(ctx, &rec,
		`SELECT user_id, wiki_username, verified_at FROM verifications WHERE user_id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		o.logger.ErrorContext(ctx, "Verification lookup failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: lookup for user %d: %v", ErrUnavailable, userID, err)
	}
	return &rec, nil
}
