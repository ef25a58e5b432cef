/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package eventbus

import (
	"sync"
	"testing"

	"gotest.tools/assert"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	defer sub.Close()

	var heard []Event
	bus.AddListener(func(e Event) { heard = append(heard, e) })

	bus.Publish(Event{Type: BuildUpdated, Data: "b1"})
	assert.Equal(t, len(heard), 1)
	got := <-sub.C()
	assert.Equal(t, got.Type, BuildUpdated)
	assert.Equal(t, sub.Dropped(), int64(0))
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(2)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: JobRunUpdated})
	}
	assert.Equal(t, sub.Dropped(), int64(3))
	assert.Equal(t, len(sub.C()), 2)
}

func TestSendAfterCloseDoesNotPanic(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Close()

	// A publisher that snapshotted the subscription before unsubscribe may
	// still attempt delivery; it must be a silent no-op.
	sub.send(Event{Type: LaunchUpdated})
	assert.Equal(t, sub.Dropped(), int64(0))

	_, ok := <-sub.C()
	assert.Assert(t, !ok)
}

func TestConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		sub := bus.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Event{Type: RepositoryUpdated})
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()
	bus.Publish(Event{Type: ServiceUpdated})
}
