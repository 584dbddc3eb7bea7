// Package queue is the durable outbound mutation log. Entries are appended by
// local writes and removed only after the remote store confirms delivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/marcus/tally/internal/db"
	"github.com/marcus/tally/internal/models"
)

// ErrLocalOnly is returned when enqueuing a mutation for a collection that
// is never replicated.
var ErrLocalOnly = errors.New("collection is local-only")

// batchSize is how many entries Drain reads per round trip to the store.
const batchSize = 100

// SendFunc delivers one mutation. A nil return confirms delivery.
type SendFunc func(ctx context.Context, m models.Mutation) error

// DrainResult reports one drain attempt. Err is the delivery failure that
// stopped the drain, if any.
type DrainResult struct {
	Sent      int
	Remaining int
	Failed    *models.Mutation
	Err       error
}

// Queue wraps the store's mutation table.
type Queue struct {
	store *db.DB
	// drainMu keeps drains from overlapping; two concurrent drains could
	// deliver the same entry out of order.
	drainMu sync.Mutex
}

// New returns a queue backed by store.
func New(store *db.DB) *Queue {
	return &Queue{store: store}
}

// Enqueue appends m durably. A missing ID gets a fresh UUID.
func (q *Queue) Enqueue(ctx context.Context, m models.Mutation) (models.Mutation, error) {
	schema, ok := models.Lookup(m.Collection)
	if !ok {
		return m, fmt.Errorf("%w: %q", db.ErrUnknownCollection, m.Collection)
	}
	if schema.LocalOnly {
		return m, fmt.Errorf("%s: %w", m.Collection, ErrLocalOnly)
	}
	if !m.Op.Valid() {
		return m, fmt.Errorf("invalid op %q", m.Op)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return q.store.EnqueueMutation(ctx, m)
}

// Drain delivers queued mutations in sequence order, stopping at the first
// failure. Each entry is removed only after send returns nil for it.
func (q *Queue) Drain(ctx context.Context, send SendFunc) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res DrainResult
	for {
		if err := ctx.Err(); err != nil {
			return q.finish(ctx, res, err)
		}
		batch, err := q.store.PendingMutations(ctx, 0, batchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			return res, nil
		}
		for _, m := range batch {
			if err := ctx.Err(); err != nil {
				return q.finish(ctx, res, err)
			}
			if err := send(ctx, m); err != nil {
				failed := m
				res.Failed = &failed
				// Bookkeeping must survive a cancelled drain.
				if rerr := q.store.RecordMutationFailure(context.WithoutCancel(ctx), m.Seq, err); rerr != nil {
					return res, rerr
				}
				return q.finish(ctx, res, err)
			}
			if err := q.store.CompleteMutation(context.WithoutCancel(ctx), m); err != nil {
				return res, err
			}
			res.Sent++
		}
	}
}

func (q *Queue) finish(ctx context.Context, res DrainResult, cause error) (DrainResult, error) {
	res.Err = cause
	n, err := q.store.CountPendingMutations(context.WithoutCancel(ctx))
	if err != nil {
		return res, err
	}
	res.Remaining = n
	return res, nil
}

// Len returns the number of queued mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountPendingMutations(ctx)
}

// Pending returns up to limit queued mutations, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]models.Mutation, error) {
	return q.store.PendingMutations(ctx, 0, limit)
}

// Clear discards every queued mutation. It waits for an in-flight drain.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	return q.store.ClearMutations(ctx)
}
