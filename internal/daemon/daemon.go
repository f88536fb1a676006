// Package daemon implements the update-ingestion loop and orchestrates the
// daemon's components: the event source, the reconciler, the persistent
// store, and the maintenance scheduler.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wikigate/veribot/internal/config"
	"github.com/wikigate/veribot/internal/database"
	"github.com/wikigate/veribot/internal/event"
	"github.com/wikigate/veribot/internal/reconcile"
)

// Source abstracts the long-poll event source. Fetch returns the decoded
// events plus the highest raw update id in the batch, which may exceed the
// last event's id when trailing updates carried no handled payload.
type Source interface {
	Fetch(ctx context.Context, cursor int64) ([]event.Event, int64, error)
}

// Daemon runs the single-worker ingestion loop. There is no internal
// parallelism over events: one iteration reloads state, long-polls for a
// batch, processes it strictly in stream order, and persists the cursor
// once at the end.
type Daemon struct {
	logger     *slog.Logger
	cfg        *config.Config
	store      database.Store
	source     Source
	reconciler *reconcile.Reconciler
	scheduler  *Scheduler
}

// New creates a Daemon with all required dependencies.
func New(
	logger *slog.Logger,
	cfg *config.Config,
	store database.Store,
	source Source,
	reconciler *reconcile.Reconciler,
	scheduler *Scheduler,
) *Daemon {
	return &Daemon{
		logger:     logger.With("component", "daemon"),
		cfg:        cfg,
		store:      store,
		source:     source,
		reconciler: reconciler,
		scheduler:  scheduler,
	}
}

// Run starts the ingestion loop and the maintenance scheduler and blocks
// until the context is cancelled or a fatal error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.pollLoop(gCtx)
	})

	g.Go(func() error {
		if err := d.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		d.logger.Info("Shutdown signal received, stopping scheduler...")
		if err := d.scheduler.Stop(); err != nil {
			d.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pollLoop is the outer loop of spec'd single-worker operation: reload
// registry and ledger, load cursor, long-poll, process in order, advance
// the cursor once per batch.
func (d *Daemon) pollLoop(ctx context.Context) error {
	d.logger.Info("Starting ingestion loop",
		"poll_timeout_seconds", d.cfg.Poller.TimeoutSeconds,
		"batch_limit", d.cfg.Poller.Limit)

	for {
		if err := ctx.Err(); err != nil {
			d.logger.Info("Ingestion loop stopped")
			return err
		}

		if err := d.iterate(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				// Shutdown interrupting an in-flight iteration is not a
				// failure; the loop exits cleanly on the next check.
				continue
			}
			if reconcile.IsFatal(err) {
				// The verification store is unreachable; the daemon must
				// not guess. Pause so a supervisor restart loop stays
				// calm, then exit without advancing the cursor.
				d.logger.Error("Verification store unreachable, terminating for supervisor restart", "error", err)
				d.sleep(ctx, d.cfg.Poller.OracleFailPause)
				return err
			}
			d.logger.Warn("Iteration failed, will retry", "error", err)
			d.sleep(ctx, d.cfg.Poller.RetryDelay)
		}
	}
}

// iterate performs one outer-loop pass. Recoverable failures are returned
// as errors; an empty batch is a normal outcome.
func (d *Daemon) iterate(ctx context.Context) error {
	// Reload shared state every iteration: the web admin surface may have
	// edited the registry or ledger since the last pass.
	groups, err := d.store.Groups(ctx)
	if err != nil {
		return fmt.Errorf("loading group registry: %w", err)
	}
	restricted, err := d.store.Restrictions(ctx)
	if err != nil {
		return fmt.Errorf("loading restriction ledger: %w", err)
	}
	st := &reconcile.State{Groups: groups, Restricted: restricted}

	cursor, err := d.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("loading cursor: %w", err)
	}

	events, maxID, err := d.source.Fetch(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetching updates: %w", err)
	}

	last := cursor
	if maxID > last {
		last = maxID
	}
	for _, ev := range events {
		if err := d.reconciler.Process(ctx, st, ev); err != nil {
			// The cursor is not advanced past this batch; the batch is
			// replayed after restart and the handlers are idempotent.
			return fmt.Errorf("processing update %d: %w", ev.UpdateID(), err)
		}
		if id := ev.UpdateID(); id > last {
			last = id
		}
	}
	if last == cursor {
		return nil
	}

	// One write per batch, covering skipped updates too so a payload the
	// decoder ignores cannot pin the cursor. A lost cursor write only
	// causes redundant reprocessing, so a single retry is enough.
	if err := d.store.SetCursor(ctx, last); err != nil {
		d.logger.Warn("Cursor write failed, retrying once", "update_id", last, "error", err)
		if err := d.store.SetCursor(ctx, last); err != nil {
			return fmt.Errorf("storing cursor %d: %w", last, err)
		}
	}

	d.logger.Debug("Batch processed", "events", len(events), "cursor", last)
	return nil
}

func (d *Daemon) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
