// Package broadcast fans values out to a counted set of subscribers.
package broadcast

import "sync"

// Registry tracks subscribers and calls OnFirst when the count goes from
// zero to one and OnLast when it drops back to zero. Registry is not safe
// for concurrent use; the owner serialises access and the hooks run under
// the owner's lock.
type Registry[T any] struct {
	OnFirst func()
	OnLast  func()

	subs   map[uint64]*Subscriber[T]
	nextID uint64
}

// Add registers a new subscriber and returns it.
func (r *Registry[T]) Add() *Subscriber[T] {
	if r.subs == nil {
		r.subs = make(map[uint64]*Subscriber[T])
	}
	r.nextID++
	sub := newSubscriber[T](r.nextID)
	r.subs[sub.id] = sub
	if len(r.subs) == 1 && r.OnFirst != nil {
		r.OnFirst()
	}
	return sub
}

// Remove unregisters sub and stops its pump. It reports whether sub was
// still registered.
func (r *Registry[T]) Remove(sub *Subscriber[T]) bool {
	if _, ok := r.subs[sub.id]; !ok {
		return false
	}
	delete(r.subs, sub.id)
	sub.stop()
	if len(r.subs) == 0 && r.OnLast != nil {
		r.OnLast()
	}
	return true
}

// RemoveAll unregisters every subscriber without firing OnLast and returns
// the removed subscribers.
func (r *Registry[T]) RemoveAll() []*Subscriber[T] {
	removed := make([]*Subscriber[T], 0, len(r.subs))
	for id, sub := range r.subs {
		delete(r.subs, id)
		sub.stop()
		removed = append(removed, sub)
	}
	return removed
}

// Publish queues v for every subscriber. It never blocks.
func (r *Registry[T]) Publish(v T) {
	for _, sub := range r.subs {
		sub.push(v)
	}
}

// Len returns the number of registered subscribers.
func (r *Registry[T]) Len() int {
	return len(r.subs)
}

// Subscriber receives published values in order on C. The queue is
// unbounded so a slow reader never holds up the publisher and never misses
// a value. C is closed once the subscriber is removed.
type Subscriber[T any] struct {
	id uint64
	C  <-chan T

	out    chan T
	mu     sync.Mutex
	queue  []T
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	exited chan struct{}
}

func newSubscriber[T any](id uint64) *Subscriber[T] {
	out := make(chan T)
	s := &Subscriber[T]{
		id:     id,
		C:      out,
		out:    out,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.pump()
	return s
}

// ID identifies the subscriber within its registry.
func (s *Subscriber[T]) ID() uint64 {
	return s.id
}

// Done is closed when the subscriber has been removed.
func (s *Subscriber[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// Wait blocks until the subscriber has been removed and C is closed.
func (s *Subscriber[T]) Wait() {
	<-s.exited
}

func (s *Subscriber[T]) pump() {
	defer close(s.exited)
	defer close(s.out)

	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, v := range pending {
			select {
			case s.out <- v:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
