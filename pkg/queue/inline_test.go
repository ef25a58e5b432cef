/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestInlineBrokerDispatchesSynchronously(t *testing.T) {
	broker := NewInlineBroker()
	var got []string
	broker.SetConsumer(QueueIngest, func(ctx context.Context, msg *Message) error {
		got = append(got, string(msg.Payload))
		return nil
	})

	err := broker.Enqueue(context.Background(), QueueIngest, []byte(`one`), EnqueueOptions{})
	assert.NilError(t, err)
	err = broker.Enqueue(context.Background(), QueueIngest, []byte(`two`), EnqueueOptions{})
	assert.NilError(t, err)
	assert.DeepEqual(t, got, []string{"one", "two"})
}

func TestInlineBrokerUnboundQueue(t *testing.T) {
	broker := NewInlineBroker()

	err := broker.Enqueue(context.Background(), QueueBuild, []byte(`payload`), EnqueueOptions{})
	assert.ErrorContains(t, err, "no consumer bound")
}

func TestInlineBrokerSwallowsConsumerError(t *testing.T) {
	broker := NewInlineBroker()
	broker.SetConsumer(QueueJobRun, func(ctx context.Context, msg *Message) error {
		return fmt.Errorf("boom")
	})

	// The consumer records its own failure; enqueue succeeds regardless.
	err := broker.Enqueue(context.Background(), QueueJobRun, []byte(`payload`), EnqueueOptions{})
	assert.NilError(t, err)
}

func TestDispatcherInlineBinding(t *testing.T) {
	broker := NewInlineBroker()
	dispatcher := NewDispatcher(broker, 0, 0)

	var handled bool
	dispatcher.Register(QueueIngest, func(ctx context.Context, msg *Message) error {
		handled = true
		return nil
	}, 2)

	assert.NilError(t, dispatcher.Start(context.Background()))
	assert.NilError(t, broker.Enqueue(context.Background(), QueueIngest, []byte(`payload`), EnqueueOptions{}))
	assert.Assert(t, handled)

	err := dispatcher.Start(context.Background())
	assert.ErrorContains(t, err, "already started")
}

func TestDispatcherBrokerAcksOnSuccess(t *testing.T) {
	broker, _ := newTestBroker(t)
	dispatcher := NewDispatcher(broker, 10*time.Millisecond, time.Second)

	done := make(chan struct{})
	dispatcher.Register(QueueBuild, func(ctx context.Context, msg *Message) error {
		close(done)
		return nil
	}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NilError(t, dispatcher.Start(ctx))
	assert.NilError(t, broker.Enqueue(ctx, QueueBuild, []byte(`payload`), EnqueueOptions{}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not invoked")
	}
	cancel()
	dispatcher.Wait()
}

func TestRequeueBackoffCapped(t *testing.T) {
	assert.Equal(t, requeueBackoff(0), 2*time.Second)
	assert.Equal(t, requeueBackoff(1), 2*time.Second)
	assert.Equal(t, requeueBackoff(5), 10*time.Second)
	assert.Equal(t, requeueBackoff(100), time.Minute)
}
