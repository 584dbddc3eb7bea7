// Package sync keeps the local store and the remote store converging: it
// drains the mutation queue while online and merges realtime remote changes
// back into the local store with last-writer-wins.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/tally/internal/db"
	"github.com/marcus/tally/internal/models"
	"github.com/marcus/tally/internal/queue"
)

var (
	// ErrOffline is returned by one-shot operations while sync is switched
	// off or the remote store is unreachable.
	ErrOffline = errors.New("offline")
	// ErrRunning is returned by Start on a reconciler that is already running.
	ErrRunning = errors.New("reconciler already running")
)

// Remote is the remote store as the reconciler uses it.
type Remote interface {
	Push(ctx context.Context, m models.Mutation) error
	Pull(ctx context.Context, collection string) (models.Change, error)
	Subscribe(ctx context.Context, collection string, onChange func(models.Change)) (<-chan error, error)
	CheckConnectivity(ctx context.Context) bool
}

// Options tunes a Reconciler. Zero values get defaults.
type Options struct {
	// Collections to subscribe to; defaults to every synced collection.
	Collections []string
	// Interval between periodic drains.
	Interval time.Duration
	// ProbeInterval between connectivity checks.
	ProbeInterval time.Duration
	// Debounce coalesces bursts of Trigger calls into one drain.
	Debounce time.Duration
	// BackoffBase and BackoffMax bound subscription retry delays.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger *slog.Logger
	// Registerer receives the reconciler's metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	// OnMerged is called after remote changes were committed locally.
	OnMerged func(models.ChangeEvent)
}

func (o *Options) defaults() {
	if len(o.Collections) == 0 {
		o.Collections = models.SyncedCollections()
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 15 * time.Second
	}
	if o.Debounce <= 0 {
		o.Debounce = 200 * time.Millisecond
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Reconciler drives the outbound queue and the inbound subscriptions.
type Reconciler struct {
	store   *db.DB
	queue   *queue.Queue
	remote  Remote
	opts    Options
	log     *slog.Logger
	metrics *metrics

	enabled   atomic.Bool // the connectivity signal
	reachable atomic.Bool // result of the last probe
	resume    atomic.Bool // drain after the next successful probe

	trigger chan struct{}
	probe   chan struct{}

	mu      sync.Mutex
	states  map[string]SubState
	subs    map[string]context.CancelFunc
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	gctx    context.Context
}

// New builds a stopped Reconciler. Sync starts enabled.
func New(store *db.DB, q *queue.Queue, remote Remote, opts Options) *Reconciler {
	opts.defaults()
	r := &Reconciler{
		store:   store,
		queue:   q,
		remote:  remote,
		opts:    opts,
		log:     opts.Logger.With("component", "reconciler"),
		metrics: newMetrics(opts.Registerer),
		trigger: make(chan struct{}, 1),
		probe:   make(chan struct{}, 1),
		states:  make(map[string]SubState),
		subs:    make(map[string]context.CancelFunc),
	}
	r.enabled.Store(true)
	for _, c := range opts.Collections {
		r.states[c] = Unsubscribed
	}
	return r
}

// Start launches the outbound loop, the connectivity probe and one
// subscription per collection. It returns immediately.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	r.cancel, r.group, r.gctx = cancel, g, gctx
	r.running = true

	g.Go(func() error { return r.runOutbound(gctx) })
	g.Go(func() error { return r.runProbe(gctx) })
	for _, c := range r.opts.Collections {
		r.subscribeLocked(c)
	}
	r.log.Info("reconciler started", "collections", len(r.opts.Collections))
	return nil
}

// Stop tears down every loop and subscription and waits for them to exit.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, g := r.cancel, r.group
	r.running = false
	r.mu.Unlock()

	cancel()
	err := g.Wait()

	r.mu.Lock()
	r.subs = make(map[string]context.CancelFunc)
	for c := range r.states {
		r.setStateLocked(c, Unsubscribed)
	}
	r.mu.Unlock()
	r.log.Info("reconciler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Running reports whether Start has been called without a matching Stop.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Subscribe (re)starts the subscription of one collection on a running
// reconciler.
func (r *Reconciler) Subscribe(collection string) error {
	if _, ok := models.Lookup(collection); !ok {
		return fmt.Errorf("subscribe %q: %w", collection, db.ErrUnknownCollection)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return errors.New("reconciler not running")
	}
	if _, ok := r.subs[collection]; ok {
		return nil
	}
	r.subscribeLocked(collection)
	return nil
}

// Unsubscribe ends the subscription of one collection. Its state becomes
// Unsubscribed once the feed has closed.
func (r *Reconciler) Unsubscribe(collection string) {
	r.mu.Lock()
	cancel, ok := r.subs[collection]
	delete(r.subs, collection)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// State reports the subscription state of a collection.
func (r *Reconciler) State(collection string) SubState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[collection]
}

// States returns a copy of every subscription state.
func (r *Reconciler) States() map[string]SubState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]SubState, len(r.states))
	for c, s := range r.states {
		out[c] = s
	}
	return out
}

func (r *Reconciler) setState(collection string, s SubState) {
	r.mu.Lock()
	r.setStateLocked(collection, s)
	r.mu.Unlock()
}

func (r *Reconciler) setStateLocked(collection string, s SubState) {
	if r.states[collection] != s {
		r.log.Debug("subscription state", "collection", collection, "from", r.states[collection], "to", s)
	}
	r.states[collection] = s
	r.metrics.subState.WithLabelValues(collection).Set(float64(s))
}

// SetOnline is the connectivity signal. Going offline suspends draining;
// going online re-probes the remote store and drains if it answers.
func (r *Reconciler) SetOnline(online bool) {
	was := r.enabled.Swap(online)
	r.updateOnlineGauge()
	if online && !was {
		r.resume.Store(true)
		r.requestProbe()
	}
	if online != was {
		r.log.Info("connectivity signal", "online", online)
	}
}

// IsOnline reports whether sync is enabled and the last probe succeeded.
func (r *Reconciler) IsOnline() bool {
	return r.enabled.Load() && r.reachable.Load()
}

// Enabled reports the connectivity signal alone.
func (r *Reconciler) Enabled() bool {
	return r.enabled.Load()
}

// Trigger asks the outbound loop for a drain. Calls made while a drain is
// pending coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) requestProbe() {
	select {
	case r.probe <- struct{}{}:
	default:
	}
}

func (r *Reconciler) updateOnlineGauge() {
	v := 0.0
	if r.IsOnline() {
		v = 1
	}
	r.metrics.online.Set(v)
}

// --- outbound ---

func (r *Reconciler) runOutbound(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.trigger:
			if !sleepCtx(ctx, r.opts.Debounce) {
				return nil
			}
			// Triggers that arrived during the debounce are served by this drain.
			select {
			case <-r.trigger:
			default:
			}
		}
		if r.IsOnline() {
			if _, err := r.drain(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("drain", "err", err)
			}
		}
	}
}

// drain delivers the queue once. Transport failures are absorbed: they end
// up in DrainResult.Err and schedule a connectivity probe. The returned error
// is a local store failure.
func (r *Reconciler) drain(ctx context.Context) (queue.DrainResult, error) {
	res, err := r.queue.Drain(ctx, r.push)
	r.metrics.pushed.Add(float64(res.Sent))
	r.metrics.queueLength.Set(float64(res.Remaining))
	if err != nil {
		return res, err
	}
	if res.Err != nil {
		r.metrics.pushFailures.Inc()
		if ctx.Err() == nil {
			attrs := []any{"err", res.Err, "sent", res.Sent, "remaining", res.Remaining}
			if res.Failed != nil {
				attrs = append(attrs, "collection", res.Failed.Collection, "entity", res.Failed.EntityID, "attempts", res.Failed.Attempts+1)
			}
			r.log.Warn("push failed, will retry", attrs...)
			r.requestProbe()
		}
		return res, nil
	}
	if res.Sent > 0 {
		r.log.Debug("queue drained", "sent", res.Sent)
		if err := r.store.SetLastSync(context.WithoutCancel(ctx), time.Now().UTC()); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *Reconciler) push(ctx context.Context, m models.Mutation) error {
	if err := r.remote.Push(ctx, m); err != nil {
		return err
	}
	r.log.Debug("pushed", "collection", m.Collection, "entity", m.EntityID, "op", m.Op, "seq", m.Seq)
	return nil
}

// Flush probes the remote store and drains the queue once.
func (r *Reconciler) Flush(ctx context.Context) (queue.DrainResult, error) {
	if !r.enabled.Load() || !r.checkConnectivity(ctx) {
		return queue.DrainResult{}, ErrOffline
	}
	return r.drain(ctx)
}

// --- connectivity ---

func (r *Reconciler) runProbe(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.ProbeInterval)
	defer ticker.Stop()
	r.resume.Store(true)
	for {
		if r.enabled.Load() {
			if r.checkConnectivity(ctx) && r.resume.Swap(false) {
				r.Trigger()
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.probe:
		}
	}
}

// checkConnectivity records a probe result. A transition to reachable
// schedules a drain.
func (r *Reconciler) checkConnectivity(ctx context.Context) bool {
	ok := r.remote.CheckConnectivity(ctx)
	was := r.reachable.Swap(ok)
	r.updateOnlineGauge()
	switch {
	case ok && !was:
		r.log.Info("remote store reachable")
		r.resume.Store(true)
	case !ok && was:
		r.log.Warn("remote store unreachable")
	}
	return ok
}

// --- inbound ---

func (r *Reconciler) subscribeLocked(collection string) {
	ctx, cancel := context.WithCancel(r.gctx)
	r.subs[collection] = cancel
	r.group.Go(func() error {
		defer cancel()
		r.runSubscription(ctx, collection)
		return nil
	})
}

func (r *Reconciler) newBackoff() retry.Backoff {
	b := retry.NewExponential(r.opts.BackoffBase)
	b = retry.WithCappedDuration(r.opts.BackoffMax, b)
	return retry.WithJitterPercent(20, b)
}

// runSubscription keeps one collection feed alive until ctx ends:
// Subscribing, then Active while the feed delivers, Stalled with backoff
// after a transport error, and Unsubscribed on exit.
func (r *Reconciler) runSubscription(ctx context.Context, collection string) {
	defer r.setState(collection, Unsubscribed)
	log := r.log.With("collection", collection)
	backoff := r.newBackoff()

	for {
		r.setState(collection, Subscribing)
		var delivered atomic.Bool
		done, err := r.remote.Subscribe(ctx, collection, func(ch models.Change) {
			if !delivered.Swap(true) {
				r.setState(collection, Active)
			}
			if _, err := r.Merge(ctx, ch); err != nil && ctx.Err() == nil {
				log.Error("merge remote change", "err", err)
			}
		})
		if err == nil {
			err = <-done
		}
		if ctx.Err() != nil {
			return
		}
		if delivered.Load() {
			backoff = r.newBackoff()
		}

		r.setState(collection, Stalled)
		r.metrics.reconnects.WithLabelValues(collection).Inc()
		wait, _ := backoff.Next()
		log.Debug("subscription stalled", "err", err, "retry_in", wait)
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// MergeStats counts what a Merge did.
type MergeStats struct {
	Inserted int
	Replaced int
	Deleted  int
	Kept     int
	Skipped  int
}

// Changed is the number of local records modified.
func (s MergeStats) Changed() int { return s.Inserted + s.Replaced + s.Deleted }

// Merge applies one remote delivery to the local store, one transaction per
// record. Records the local store rejects (missing id, unique index
// violation) are logged and skipped; a store failure aborts the merge.
func (r *Reconciler) Merge(ctx context.Context, ch models.Change) (MergeStats, error) {
	var stats MergeStats
	var ids []string
	log := r.log.With("collection", ch.Collection)

	count := func(id string, out db.MergeOutcome) {
		r.metrics.merges.WithLabelValues(ch.Collection, out.String()).Inc()
		switch out {
		case db.MergeInserted:
			stats.Inserted++
		case db.MergeReplaced:
			stats.Replaced++
		case db.MergeDeleted:
			stats.Deleted++
		default:
			stats.Kept++
		}
		if out.Changed() {
			ids = append(ids, id)
		}
	}

	for _, e := range ch.Entities {
		out, err := r.store.MergeRemote(ctx, ch.Collection, e)
		if err != nil {
			if errors.Is(err, db.ErrDuplicateKey) || errors.Is(err, db.ErrMissingID) {
				stats.Skipped++
				log.Warn("skipping remote record", "entity", e.ID(), "err", err)
				continue
			}
			return stats, err
		}
		count(e.ID(), out)
	}
	for _, ts := range ch.Deleted {
		out, err := r.store.MergeRemoteDelete(ctx, ch.Collection, ts)
		if err != nil {
			if errors.Is(err, db.ErrMissingID) {
				stats.Skipped++
				continue
			}
			return stats, err
		}
		count(ts.ID, out)
	}

	if ch.Full {
		if err := r.store.SetLastSync(ctx, time.Now().UTC()); err != nil {
			return stats, err
		}
	}
	if len(ids) > 0 {
		log.Debug("merged remote change", "changed", len(ids), "kept", stats.Kept, "full", ch.Full)
		if r.opts.OnMerged != nil {
			r.opts.OnMerged(models.ChangeEvent{Collection: ch.Collection, IDs: ids, Source: models.SourceRemote})
		}
	}
	return stats, nil
}

// PullAll fetches and merges the full state of every collection once.
// Collections that fail to pull are reported together; the rest are merged.
func (r *Reconciler) PullAll(ctx context.Context) (MergeStats, error) {
	var total MergeStats
	if !r.enabled.Load() {
		return total, ErrOffline
	}
	var errs []error
	for _, c := range r.opts.Collections {
		ch, err := r.remote.Pull(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("pull %s: %w", c, err))
			continue
		}
		stats, err := r.Merge(ctx, ch)
		total.Inserted += stats.Inserted
		total.Replaced += stats.Replaced
		total.Deleted += stats.Deleted
		total.Kept += stats.Kept
		total.Skipped += stats.Skipped
		if err != nil {
			return total, err
		}
	}
	return total, errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
