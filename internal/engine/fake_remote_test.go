package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/marcus/tally/internal/models"
)

// fakeRemote is an in-memory remote store that records what it is asked.
type fakeRemote struct {
	mu        sync.Mutex
	reachable bool
	pushed    []models.Mutation
	state     map[string]map[string]models.Entity
	wiped     map[string]int
	wipeErr   map[string]error
	onChange  map[string][]func(models.Change)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		reachable: true,
		state:     map[string]map[string]models.Entity{},
		wiped:     map[string]int{},
		wipeErr:   map[string]error{},
		onChange:  map[string][]func(models.Change){},
	}
}

var errUnreachable = errors.New("unreachable")

func (r *fakeRemote) Push(_ context.Context, m models.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.reachable {
		return errUnreachable
	}
	r.pushed = append(r.pushed, m)
	if r.state[m.Collection] == nil {
		r.state[m.Collection] = map[string]models.Entity{}
	}
	if m.Op == models.OpDelete {
		delete(r.state[m.Collection], m.EntityID)
	} else {
		r.state[m.Collection][m.EntityID] = m.Payload.Clone()
	}
	return nil
}

func (r *fakeRemote) Pull(_ context.Context, collection string) (models.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.reachable {
		return models.Change{}, errUnreachable
	}
	ch := models.Change{Collection: collection, Full: true}
	for _, e := range r.state[collection] {
		ch.Entities = append(ch.Entities, e.Clone())
	}
	return ch, nil
}

func (r *fakeRemote) Subscribe(ctx context.Context, collection string, onChange func(models.Change)) (<-chan error, error) {
	snap, err := r.Pull(ctx, collection)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.onChange[collection] = append(r.onChange[collection], onChange)
	r.mu.Unlock()
	onChange(snap)

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.onChange[collection] = nil
		r.mu.Unlock()
		done <- nil
		close(done)
	}()
	return done, nil
}

func (r *fakeRemote) CheckConnectivity(context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reachable
}

func (r *fakeRemote) Wipe(_ context.Context, collection string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wiped[collection]++
	if err := r.wipeErr[collection]; err != nil {
		return err
	}
	delete(r.state, collection)
	return nil
}

// deliver sends a delta to the live subscribers of a collection.
func (r *fakeRemote) deliver(ch models.Change) {
	r.mu.Lock()
	fns := append([]func(models.Change){}, r.onChange[ch.Collection]...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (r *fakeRemote) subscribers(collection string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.onChange[collection])
}

func (r *fakeRemote) setReachable(ok bool) {
	r.mu.Lock()
	r.reachable = ok
	r.mu.Unlock()
}

func (r *fakeRemote) get(collection, id string) (models.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.state[collection][id]
	return e, ok
}

func (r *fakeRemote) pushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushed)
}
