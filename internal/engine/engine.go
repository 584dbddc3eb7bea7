// Package engine is the single entry point collaborators use: it owns the
// local store, the mutation queue and the reconciler, and exposes the
// read/write API, change listeners and whole-dataset operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marcus/tally/internal/db"
	"github.com/marcus/tally/internal/models"
	"github.com/marcus/tally/internal/queue"
	tsync "github.com/marcus/tally/internal/sync"
)

// ErrNoRemote is returned by sync operations on an engine opened without a
// remote store.
var ErrNoRemote = errors.New("no remote store configured")

// Remote is the remote store: what the reconciler needs plus collection wipe.
type Remote interface {
	tsync.Remote
	Wipe(ctx context.Context, collection string) error
}

// Config configures Open.
type Config struct {
	// DataDir holds the local database.
	DataDir string
	// DeviceID tags queued mutations and exports.
	DeviceID string
	// Actor is recorded in the activity log. Opaque to the engine.
	Actor string
	// Remote may be nil for a purely local engine.
	Remote Remote
	// Live starts the reconciler on Open.
	Live bool
	// Offline opens with the connectivity signal off.
	Offline bool

	SyncInterval  time.Duration
	ProbeInterval time.Duration

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Engine is one open dataset.
type Engine struct {
	cfg    Config
	store  *db.DB
	queue  *queue.Queue
	remote Remote
	rec    *tsync.Reconciler
	log    *slog.Logger

	listeners listenerSet
}

// Open opens the local store, restores the queue and, when cfg.Live is set,
// starts the reconciler.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("engine: data dir required")
	}
	if cfg.Live && cfg.Remote == nil {
		return nil, fmt.Errorf("engine: live mode: %w", ErrNoRemote)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	store, err := db.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		store:  store,
		queue:  queue.New(store),
		remote: cfg.Remote,
		log:    cfg.Logger.With("component", "engine"),
	}

	pending, err := e.queue.Len(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.log.Info("store opened", "dir", cfg.DataDir, "pending", pending)

	if cfg.Remote != nil {
		e.rec = tsync.New(store, e.queue, cfg.Remote, tsync.Options{
			Interval:      cfg.SyncInterval,
			ProbeInterval: cfg.ProbeInterval,
			Logger:        cfg.Logger,
			Registerer:    cfg.Registerer,
			OnMerged:      e.listeners.notify,
		})
		if cfg.Offline {
			e.rec.SetOnline(false)
		}
	}
	if cfg.Live {
		if err := e.rec.Start(context.Background()); err != nil {
			store.Close()
			return nil, err
		}
	}
	return e, nil
}

// Close stops the reconciler, then closes the store.
func (e *Engine) Close() error {
	var errs []error
	if e.rec != nil {
		errs = append(errs, e.rec.Stop())
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}

// Store exposes the local store for inspection.
func (e *Engine) Store() *db.DB { return e.store }

// Queue exposes the mutation queue for inspection.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// DeviceID returns the identity queued mutations carry.
func (e *Engine) DeviceID() string { return e.cfg.DeviceID }

// --- reads ---

// Get returns one entity.
func (e *Engine) Get(ctx context.Context, collection, id string) (models.Entity, error) {
	return e.store.Get(ctx, collection, id)
}

// GetAll returns every entity in a collection.
func (e *Engine) GetAll(ctx context.Context, collection string) ([]models.Entity, error) {
	return e.store.GetAll(ctx, collection)
}

// GetByIndex returns the entities whose indexed field equals key.
func (e *Engine) GetByIndex(ctx context.Context, collection, index, key string) ([]models.Entity, error) {
	return e.store.GetByIndex(ctx, collection, index, key)
}

// --- writes ---

// CreateEntity stores a new entity and queues it for delivery. The id is
// generated unless the payload carries one; createdAt and updatedAt are set
// unless supplied.
func (e *Engine) CreateEntity(ctx context.Context, collection string, payload models.Entity) (models.Entity, error) {
	fields := payload.Clone()
	if fields == nil {
		fields = models.Entity{}
	}
	id := fields.ID()
	if id == "" {
		id = e.cfg.NewID()
	}
	now := e.cfg.Now().UTC()
	return e.write(ctx, collection, models.OpCreate, id, func(models.Entity) (models.Entity, error) {
		if _, ok := fields.UpdatedAt(); !ok {
			fields[models.FieldUpdatedAt] = now
		}
		if _, ok := fields[models.FieldCreatedAt]; !ok {
			fields[models.FieldCreatedAt] = now
		}
		return fields, nil
	})
}

// UpdateEntity replaces the fields of an existing entity and re-stamps it.
// createdAt carries over when the new record omits it.
func (e *Engine) UpdateEntity(ctx context.Context, collection string, entity models.Entity) (models.Entity, error) {
	id := entity.ID()
	if id == "" {
		return nil, db.ErrMissingID
	}
	fields := entity.Clone()
	now := e.cfg.Now()
	return e.write(ctx, collection, models.OpUpdate, id, func(prev models.Entity) (models.Entity, error) {
		if _, ok := fields[models.FieldCreatedAt]; !ok {
			if c, ok := prev[models.FieldCreatedAt]; ok {
				fields[models.FieldCreatedAt] = c
			}
		}
		delete(fields, models.FieldLastModified)
		fields[models.FieldUpdatedAt] = models.NextStamp(now, prev.Stamp())
		return fields, nil
	})
}

// DeleteEntity removes an entity and queues a delete carrying a fresh stamp.
func (e *Engine) DeleteEntity(ctx context.Context, collection, id string) error {
	if id == "" {
		return db.ErrMissingID
	}
	now := e.cfg.Now()
	_, err := e.write(ctx, collection, models.OpDelete, id, func(prev models.Entity) (models.Entity, error) {
		return models.Entity{
			models.FieldID:        id,
			models.FieldUpdatedAt: models.NextStamp(now, prev.Stamp()),
		}, nil
	})
	return err
}

func (e *Engine) write(ctx context.Context, collection string, op models.Op, id string, build func(models.Entity) (models.Entity, error)) (models.Entity, error) {
	w := db.LocalWrite{
		Collection: collection,
		Op:         op,
		ID:         id,
		Build:      build,
		DeviceID:   e.cfg.DeviceID,
		MutationID: e.cfg.NewID(),
	}
	if collection != models.ActivityLog {
		w.Activity = e.activity(op, collection, id)
	}

	res, err := e.store.ApplyLocal(ctx, w)
	if err != nil {
		return nil, err
	}
	log := e.log.With("collection", collection, "entity", id, "op", op)
	if res.Mutation != nil {
		log.Debug("local write queued", "seq", res.Mutation.Seq)
		if e.rec != nil {
			e.rec.Trigger()
		}
	} else {
		log.Debug("local write")
	}
	e.listeners.notify(models.ChangeEvent{Collection: collection, IDs: []string{id}, Source: models.SourceLocal})
	return res.Entity, nil
}

func (e *Engine) activity(op models.Op, collection, id string) models.Entity {
	return models.Entity{
		models.FieldID: e.cfg.NewID(),
		"timestamp":    e.cfg.Now().UTC(),
		"actor":        e.cfg.Actor,
		"action":       string(op),
		"collection":   collection,
		"entityId":     id,
	}
}

// --- sync ---

// GetSyncStatus derives the status from the queue, the last successful sync
// and the live connectivity state.
func (e *Engine) GetSyncStatus(ctx context.Context) (models.SyncStatus, error) {
	var st models.SyncStatus
	n, err := e.queue.Len(ctx)
	if err != nil {
		return st, err
	}
	st.QueueLength = n
	if st.LastSync, err = e.store.LastSync(ctx); err != nil {
		return st, err
	}
	switch {
	case e.rec == nil:
	case e.rec.Running():
		st.IsOnline = e.rec.IsOnline()
	default:
		st.IsOnline = e.rec.Enabled() && e.remote.CheckConnectivity(ctx)
	}
	return st, nil
}

// SetOnline feeds the connectivity signal.
func (e *Engine) SetOnline(online bool) {
	if e.rec != nil {
		e.rec.SetOnline(online)
	}
}

// SyncNow asks a live engine for an immediate drain.
func (e *Engine) SyncNow() {
	if e.rec != nil {
		e.rec.Trigger()
	}
}

// SubscriptionStates reports the realtime state of every collection.
func (e *Engine) SubscriptionStates() map[string]tsync.SubState {
	if e.rec == nil {
		return nil
	}
	return e.rec.States()
}

// Flush delivers the queue once.
func (e *Engine) Flush(ctx context.Context) (queue.DrainResult, error) {
	if e.rec == nil {
		return queue.DrainResult{}, ErrNoRemote
	}
	return e.rec.Flush(ctx)
}

// Pull fetches and merges the remote state of every synced collection once.
func (e *Engine) Pull(ctx context.Context) (tsync.MergeStats, error) {
	if e.rec == nil {
		return tsync.MergeStats{}, ErrNoRemote
	}
	return e.rec.PullAll(ctx)
}
