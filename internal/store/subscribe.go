package store

import (
	"slices"
	"sync"
)

// ChangeEvent describes one committed mutation of a record.
type ChangeEvent struct {
	Values   Attrs    `json:"values,omitempty"`
	Table    string   `json:"table"`
	RecordID string   `json:"record_id"`
	Fields   []string `json:"fields,omitempty"`
	Deleted  bool     `json:"deleted,omitempty"`
}

func (e ChangeEvent) touches(fields []string) bool {
	if e.Deleted || len(fields) == 0 {
		return true
	}
	for _, f := range e.Fields {
		if slices.Contains(fields, f) {
			return true
		}
	}
	return false
}

type subKey struct {
	table string
	id    string
}

// Subscription delivers change events for one record in commit order.
// Events queue without bound so a slow reader never stalls a writer and
// never misses a state.
type Subscription struct {
	out    chan ChangeEvent
	wake   chan struct{}
	done   chan struct{}
	broker *broker
	key    subKey
	fields []string
	queue  []ChangeEvent
	mu     sync.Mutex
	once   sync.Once
	ending bool
}

// C returns the event channel. It is closed after Close, or after the
// terminal Deleted event once the record is deleted.
func (s *Subscription) C() <-chan ChangeEvent {
	return s.out
}

// Close stops delivery and drops any queued events. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.remove(s)
	})
}

func (s *Subscription) enqueue(ev ChangeEvent, last bool) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.ending = last
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ending := s.ending
			s.mu.Unlock()
			if ending {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

type broker struct {
	subs map[subKey][]*Subscription
	mu   sync.Mutex
}

func newBroker() *broker {
	return &broker{subs: make(map[subKey][]*Subscription)}
}

func (b *broker) subscribe(table, id string, fields []string) *Subscription {
	s := &Subscription{
		out:    make(chan ChangeEvent),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		broker: b,
		key:    subKey{table: table, id: id},
		fields: slices.Clone(fields),
	}

	b.mu.Lock()
	b.subs[s.key] = append(b.subs[s.key], s)
	b.mu.Unlock()

	go s.pump()
	return s
}

func (b *broker) publish(ev ChangeEvent) {
	key := subKey{table: ev.Table, id: ev.RecordID}

	b.mu.Lock()
	subs := slices.Clone(b.subs[key])
	if ev.Deleted {
		delete(b.subs, key)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if ev.touches(s.fields) {
			s.enqueue(ev, ev.Deleted)
		}
	}
}

func (b *broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.key]
	for i, other := range subs {
		if other == s {
			b.subs[s.key] = slices.Delete(subs, i, i+1)
			break
		}
	}
	if len(b.subs[s.key]) == 0 {
		delete(b.subs, s.key)
	}
}

func (b *broker) closeAll() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[subKey][]*Subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.once.Do(func() { close(s.done) })
		}
	}
}
