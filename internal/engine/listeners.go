package engine

import (
	"sync"

	"github.com/marcus/tally/internal/models"
)

// Listener is a change subscription returned by OnCollectionChanged.
type Listener struct {
	set  *listenerSet
	coll string
	id   uint64
	once sync.Once
}

// Unsubscribe stops delivery. Safe to call more than once.
func (l *Listener) Unsubscribe() {
	l.once.Do(func() { l.set.remove(l.coll, l.id) })
}

type listenerSet struct {
	mu     sync.Mutex
	nextID uint64
	byColl map[string]map[uint64]func(models.ChangeEvent)
}

func (s *listenerSet) add(collection string, fn func(models.ChangeEvent)) *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byColl == nil {
		s.byColl = make(map[string]map[uint64]func(models.ChangeEvent))
	}
	if s.byColl[collection] == nil {
		s.byColl[collection] = make(map[uint64]func(models.ChangeEvent))
	}
	s.nextID++
	s.byColl[collection][s.nextID] = fn
	return &Listener{set: s, coll: collection, id: s.nextID}
}

func (s *listenerSet) remove(collection string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byColl[collection], id)
	if len(s.byColl[collection]) == 0 {
		delete(s.byColl, collection)
	}
}

// notify runs callbacks outside the lock so they may call back into the
// engine or unsubscribe.
func (s *listenerSet) notify(ev models.ChangeEvent) {
	s.mu.Lock()
	fns := make([]func(models.ChangeEvent), 0, len(s.byColl[ev.Collection]))
	for _, fn := range s.byColl[ev.Collection] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// OnCollectionChanged registers fn for committed changes to a collection,
// whatever their source: local writes, remote merges, import or wipe.
func (e *Engine) OnCollectionChanged(collection string, fn func(models.ChangeEvent)) *Listener {
	return e.listeners.add(collection, fn)
}
