// Package reconcile implements the membership-reconciliation state
// machine. Each incoming event is dispatched to at most a few handlers
// that mutate the group registry and restriction ledger and issue platform
// calls. Every handler is safe to re-run: the upstream update stream is
// at-least-once, and a crash mid-batch replays the whole batch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wikigate/veribot/internal/database"
	"github.com/wikigate/veribot/internal/event"
	"github.com/wikigate/veribot/internal/verify"
)

// Actuator covers the outbound platform calls the reconciler issues.
// Failures are logged and skipped, never retried; Telegram's member status
// is authoritative and the next membership event self-corrects.
type Actuator interface {
	// ChatMemberStatus fetches a member's live status.
	ChatMemberStatus(ctx context.Context, chatID, userID int64) (event.Status, error)
	// Restrict applies a deny-all permission set to a member.
	Restrict(ctx context.Context, chatID, userID int64) error
	// DeleteMessage removes a message from a chat.
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// State is the in-memory snapshot of the registry and ledger for one
// ingestion iteration. The daemon reloads it from the store before every
// batch so edits from the web admin surface are picked up; the reconciler
// keeps it in sync with its own writes so later events in a batch see the
// effects of earlier ones.
type State struct {
	// Groups maps chat id to the delete-messages-from-restricted flag.
	Groups map[int64]bool
	// Restricted is the set of users the daemon believes it restricted.
	Restricted map[int64]struct{}
}

// Reconciler decides, per event, what mutations and platform calls to make.
type Reconciler struct {
	store    database.Store
	actuator Actuator
	oracle   verify.Oracle
	logger   *slog.Logger
}

// New creates a Reconciler.
func New(store database.Store, actuator Actuator, oracle verify.Oracle, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reconciler{
		store:    store,
		actuator: actuator,
		oracle:   oracle,
		logger:   logger.With("component", "reconciler"),
	}
}

// Process handles a single event. A returned error is fatal for the
// iteration: either the verification store is unreachable (the daemon must
// not guess) or a registry/ledger write failed. Actuator failures are
// logged and swallowed.
func (r *Reconciler) Process(ctx context.Context, st *State, ev event.Event) error {
	switch e := ev.(type) {
	case event.BotMembershipChanged:
		return r.handleBotMembership(ctx, st, e)
	case event.UserMembershipChanged:
		if err := r.handleRestrictionConfirmed(ctx, st, e); err != nil {
			return err
		}
		return r.handleAdmission(ctx, st, e)
	case event.MessagePosted:
		r.handleMessage(ctx, st, e)
		return nil
	}

	r.logger.DebugContext(ctx, "Skipping event of unknown kind", "update_id", ev.UpdateID())
	return nil
}

// handleBotMembership keeps the group registry in step with the bot's own
// membership. Pure upsert/remove, always safe to re-run.
func (r *Reconciler) handleBotMembership(ctx context.Context, st *State, e event.BotMembershipChanged) error {
	log := r.logger.With("update_id", e.ID, "chat_id", e.ChatID, "status", string(e.NewStatus))

	if e.ChatType == event.ChatTypePrivate {
		log.DebugContext(ctx, "Ignoring bot membership change in private chat")
		return nil
	}

	switch e.NewStatus {
	case event.StatusMember, event.StatusAdministrator:
		// Create-if-absent only. The admin surface may have edited the
		// entry since this iteration's snapshot was loaded, so writing the
		// snapshot's flag back could undo that edit.
		if err := r.store.EnsureGroup(ctx, e.ChatID); err != nil {
			return fmt.Errorf("registry ensure: %w", err)
		}
		if _, ok := st.Groups[e.ChatID]; !ok {
			st.Groups[e.ChatID] = false
		}
		log.InfoContext(ctx, "Bot joined group, registry entry ensured")

	case event.StatusKicked, event.StatusLeft:
		if err := r.store.RemoveGroup(ctx, e.ChatID); err != nil {
			return fmt.Errorf("registry remove: %w", err)
		}
		delete(st.Groups, e.ChatID)
		log.InfoContext(ctx, "Bot left group, registry entry removed")

	default:
		log.DebugContext(ctx, "Ignoring bot membership status")
	}

	return nil
}

// handleRestrictionConfirmed clears the ledger hint once the platform
// reports the user as restricted: the pending actuator call is now
// confirmed and message deletion no longer needs the local entry.
func (r *Reconciler) handleRestrictionConfirmed(ctx context.Context, st *State, e event.UserMembershipChanged) error {
	if e.NewStatus != event.StatusRestricted {
		return nil
	}
	if _, ok := st.Restricted[e.User.ID]; !ok {
		return nil
	}

	if err := r.store.RemoveRestriction(ctx, e.User.ID); err != nil {
		return fmt.Errorf("ledger remove: %w", err)
	}
	delete(st.Restricted, e.User.ID)
	r.logger.InfoContext(ctx, "Restriction confirmed by platform, ledger entry cleared",
		"update_id", e.ID, "chat_id", e.ChatID, "user_id", e.User.ID)
	return nil
}

// handleAdmission runs the admission check for a genuine new join: ask the
// oracle first, re-fetch the live status, then restrict and record. The
// oracle must be consulted before any mutation so verified users are never
// touched.
func (r *Reconciler) handleAdmission(ctx context.Context, st *State, e event.UserMembershipChanged) error {
	log := r.logger.With("update_id", e.ID, "chat_id", e.ChatID, "user_id", e.User.ID)

	if e.ChatType == event.ChatTypePrivate {
		log.DebugContext(ctx, "Skipping admission check in private chat")
		return nil
	}
	if e.User.IsBot {
		log.DebugContext(ctx, "Skipping admission check for bot account")
		return nil
	}
	if e.NewStatus != event.StatusMember {
		log.DebugContext(ctx, "Skipping admission check, status is not member", "status", string(e.NewStatus))
		return nil
	}

	verified, err := r.oracle.IsVerified(ctx, e.User.ID)
	if err != nil {
		// Fatal: with the verification store down there is no safe answer.
		return fmt.Errorf("admission check for user %d: %w", e.User.ID, err)
	}
	if verified {
		log.DebugContext(ctx, "User already verified, no restriction needed")
		return nil
	}

	// Re-fetch the live status: the user may have left or been moderated
	// between event emission and processing.
	status, err := r.actuator.ChatMemberStatus(ctx, e.ChatID, e.User.ID)
	if err != nil {
		log.WarnContext(ctx, "Could not fetch live member status, skipping restriction", "error", err)
		return nil
	}
	if status != event.StatusMember {
		log.DebugContext(ctx, "User no longer a plain member, skipping restriction", "status", string(status))
		return nil
	}

	if err := r.actuator.Restrict(ctx, e.ChatID, e.User.ID); err != nil {
		// Not retried: the user stays unrestricted until the next
		// membership event or a manual admin action.
		log.WarnContext(ctx, "Failed to restrict unverified user", "error", err)
		return nil
	}

	if err := r.store.AddRestriction(ctx, e.User.ID); err != nil {
		return fmt.Errorf("ledger add: %w", err)
	}
	st.Restricted[e.User.ID] = struct{}{}
	log.InfoContext(ctx, "Restricted unverified user pending verification", "username", e.User.Username)
	return nil
}

// handleMessage deletes a message when the group opted in and the author is
// ledger-resident. A failed delete is never retried and never fatal; the
// message may already be gone or the bot may lack rights.
func (r *Reconciler) handleMessage(ctx context.Context, st *State, e event.MessagePosted) {
	log := r.logger.With("update_id", e.ID, "chat_id", e.ChatID, "message_id", e.MessageID, "user_id", e.UserID)

	if !st.Groups[e.ChatID] {
		log.DebugContext(ctx, "Group does not delete messages from restricted users")
		return
	}
	if _, ok := st.Restricted[e.UserID]; !ok {
		log.DebugContext(ctx, "Author is not in the restriction ledger")
		return
	}

	if err := r.actuator.DeleteMessage(ctx, e.ChatID, e.MessageID); err != nil {
		log.WarnContext(ctx, "Failed to delete message from restricted user", "error", err)
		return
	}
	log.InfoContext(ctx, "Deleted message from restricted user")
}

// IsFatal reports whether a Process error must terminate the daemon rather
// than be retried on the next iteration.
func IsFatal(err error) bool {
	return errors.Is(err, verify.ErrUnavailable)
}
