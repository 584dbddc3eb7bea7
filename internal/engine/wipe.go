package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/marcus/tally/internal/models"
)

// ErrWipeNotConfirmed is returned by WipeAll without explicit confirmation.
var ErrWipeNotConfirmed = errors.New("wipe not confirmed")

// WipeOptions controls WipeAll.
type WipeOptions struct {
	Confirmed bool
}

// WipeError reports the collections whose remote wipe failed. The local
// wipe has already happened and is not rolled back.
type WipeError struct {
	Failed map[string]error
}

func (e *WipeError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for c := range e.Failed {
		names = append(names, c)
	}
	sort.Strings(names)
	return fmt.Sprintf("remote wipe failed for %s; local data is gone, retry the wipe manually", strings.Join(names, ", "))
}

func (e *WipeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// WipeAll erases the dataset locally and remotely: subscriptions stop, every
// local collection is cleared, each synced collection is wiped on the remote
// store and the queue is discarded. A live engine resumes afterwards.
func (e *Engine) WipeAll(ctx context.Context, opts WipeOptions) error {
	if !opts.Confirmed {
		return ErrWipeNotConfirmed
	}

	restart := e.rec != nil && e.rec.Running()
	if restart {
		if err := e.rec.Stop(); err != nil {
			return err
		}
	}

	if err := e.store.ClearAll(ctx); err != nil {
		return err
	}

	failed := make(map[string]error)
	if e.remote != nil {
		for _, c := range models.SyncedCollections() {
			if err := e.remote.Wipe(ctx, c); err != nil {
				e.log.Warn("remote wipe failed", "collection", c, "err", err)
				failed[c] = err
			}
		}
	}

	dropped, err := e.queue.Clear(ctx)
	if err != nil {
		return err
	}
	e.log.Warn("dataset wiped", "dropped_mutations", dropped, "remote_failures", len(failed))

	for _, c := range models.Collections() {
		e.listeners.notify(models.ChangeEvent{Collection: c, Source: models.SourceWipe})
	}

	if restart {
		if err := e.rec.Start(context.Background()); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return &WipeError{Failed: failed}
	}
	return nil
}
