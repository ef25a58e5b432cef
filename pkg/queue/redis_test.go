/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gotest.tools/assert"
)

func newTestBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := NewRedisBrokerFromClient(client, RedisBrokerConfig{
		VisibilityTimeout: 30 * time.Second,
	})
	t.Cleanup(func() { _ = client.Close() })
	return broker, mr
}

func TestRedisBrokerEnqueueReserveAck(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	err := broker.Enqueue(ctx, QueueIngest, []byte(`{"repositoryId":"observatory"}`), EnqueueOptions{})
	assert.NilError(t, err)

	msg, err := broker.ReserveNext(ctx, QueueIngest)
	assert.NilError(t, err)
	assert.Assert(t, msg != nil)
	assert.Equal(t, msg.Queue, QueueIngest)
	assert.Equal(t, msg.Attempt, 1)
	assert.Equal(t, string(msg.Payload), `{"repositoryId":"observatory"}`)

	// Reserved message is invisible to other workers.
	second, err := broker.ReserveNext(ctx, QueueIngest)
	assert.NilError(t, err)
	assert.Assert(t, second == nil)

	assert.NilError(t, broker.Ack(ctx, msg))
	third, err := broker.ReserveNext(ctx, QueueIngest)
	assert.NilError(t, err)
	assert.Assert(t, third == nil)
}

func TestRedisBrokerFIFO(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	assert.NilError(t, broker.Enqueue(ctx, QueueBuild, []byte(`first`), EnqueueOptions{}))
	assert.NilError(t, broker.Enqueue(ctx, QueueBuild, []byte(`second`), EnqueueOptions{}))

	msg, err := broker.ReserveNext(ctx, QueueBuild)
	assert.NilError(t, err)
	assert.Equal(t, string(msg.Payload), "first")

	msg, err = broker.ReserveNext(ctx, QueueBuild)
	assert.NilError(t, err)
	assert.Equal(t, string(msg.Payload), "second")
}

func TestRedisBrokerNackBumpsAttempt(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	assert.NilError(t, broker.Enqueue(ctx, QueueJobRun, []byte(`payload`), EnqueueOptions{}))
	msg, err := broker.ReserveNext(ctx, QueueJobRun)
	assert.NilError(t, err)

	assert.NilError(t, broker.Nack(ctx, msg, 0))
	redelivered, err := broker.ReserveNext(ctx, QueueJobRun)
	assert.NilError(t, err)
	assert.Assert(t, redelivered != nil)
	assert.Equal(t, redelivered.Attempt, 2)
	assert.Equal(t, redelivered.Id, msg.Id)
}

func TestRedisBrokerDelayedDelivery(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	err := broker.Enqueue(ctx, QueueLaunchStart, []byte(`payload`), EnqueueOptions{Delay: 20 * time.Millisecond})
	assert.NilError(t, err)

	msg, err := broker.ReserveNext(ctx, QueueLaunchStart)
	assert.NilError(t, err)
	assert.Assert(t, msg == nil)

	time.Sleep(50 * time.Millisecond)
	msg, err = broker.ReserveNext(ctx, QueueLaunchStart)
	assert.NilError(t, err)
	assert.Assert(t, msg != nil)
}

func TestRedisBrokerReapExpiredLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker := NewRedisBrokerFromClient(client, RedisBrokerConfig{
		VisibilityTimeout: time.Millisecond,
	})
	ctx := context.Background()

	assert.NilError(t, broker.Enqueue(ctx, QueueIngest, []byte(`payload`), EnqueueOptions{}))
	msg, err := broker.ReserveNext(ctx, QueueIngest)
	assert.NilError(t, err)
	assert.Assert(t, msg != nil)

	time.Sleep(5 * time.Millisecond)
	broker.reapExpired(ctx, QueueIngest)

	redelivered, err := broker.ReserveNext(ctx, QueueIngest)
	assert.NilError(t, err)
	assert.Assert(t, redelivered != nil)
	assert.Equal(t, redelivered.Attempt, 2)
}

func TestRedisBrokerAckWithoutLease(t *testing.T) {
	broker, _ := newTestBroker(t)

	err := broker.Ack(context.Background(), &Message{Id: "x", Queue: QueueIngest})
	assert.ErrorContains(t, err, "no open lease")
}
