/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package eventbus

import (
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Event kinds published on the bus.
const (
	RepositoryUpdated        = "repository.updated"
	RepositoryIngestionEvent = "repository.ingestion-event"
	BuildUpdated             = "build.updated"
	LaunchUpdated            = "launch.updated"
	ServiceUpdated           = "service.updated"
	JobRunUpdated            = "jobRun.updated"
)

// Event is one change notification. Data is the post-image of the entity.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Listener receives events synchronously on the publisher goroutine.
// Listeners must not block.
type Listener func(Event)

// Subscription is a buffered event feed for one consumer. Events are dropped
// when the buffer is full; truth lives in the database, events are advisory.
type Subscription struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	bus     *Bus
	id      int64

	// mu orders sends against Close so a publisher that snapshotted this
	// subscription before it was removed never sends on a closed channel.
	mu     sync.Mutex
	closed bool
}

// C returns the event channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns the count of events discarded due to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
	})
}

// send delivers one event without blocking, dropping it when the buffer is
// full or the subscription has been closed.
func (s *Subscription) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		if s.dropped.Add(1)%100 == 1 {
			klog.Warningf("event subscriber %d overflowed, dropped %d events so far",
				s.id, s.dropped.Load())
		}
	}
}

// Bus is the process-wide publisher. One instance per server.
type Bus struct {
	mu        sync.RWMutex
	nextID    int64
	subs      map[int64]*Subscription
	listeners []Listener
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int64]*Subscription)}
}

// Subscribe registers a buffered subscription with the given capacity.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{ch: make(chan Event, buffer), bus: b, id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

// AddListener registers an in-process listener invoked synchronously on
// publish, preserving per-entity ordering.
func (b *Bus) AddListener(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Publish fans the event out to all listeners and subscriptions.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	listeners := b.listeners
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(event)
	}
	for _, sub := range subs {
		sub.send(event)
	}
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
