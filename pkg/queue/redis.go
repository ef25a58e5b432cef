/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/jsonutil"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

// RedisBrokerConfig carries broker connection and lease settings.
type RedisBrokerConfig struct {
	Addr              string
	Password          string
	DB                int
	KeyPrefix         string
	VisibilityTimeout time.Duration
	ReaperInterval    time.Duration
}

// RedisBroker implements Broker on a Redis instance. Each queue keeps a
// ready list, a delayed set scored by readiness time, and an in-flight set
// scored by lease deadline. A background reaper returns expired leases to
// the ready list with the attempt counter bumped.
type RedisBroker struct {
	client *redis.Client
	cfg    RedisBrokerConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type envelope struct {
	Id         string `json:"id"`
	Payload    []byte `json:"payload"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt string `json:"enqueuedAt"`
}

// NewRedisBroker connects to Redis and starts the lease reaper.
func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.Addr == "" {
		return nil, apphuberrors.NewBadRequest("redis addr is empty")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "apphub:queue"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apphuberrors.NewQueueUnavailable(
			fmt.Sprintf("failed to ping redis %s: %v", cfg.Addr, err))
	}
	b := &RedisBroker{
		client: client,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.reapLoop()
	klog.Infof("init redis broker successfully! addr: %s, visibility: %v", cfg.Addr, cfg.VisibilityTimeout)
	return b, nil
}

// NewRedisBrokerFromClient wraps an existing client; used by tests.
func NewRedisBrokerFromClient(client *redis.Client, cfg RedisBrokerConfig) *RedisBroker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "apphub:queue"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	return &RedisBroker{
		client: client,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (b *RedisBroker) readyKey(queue string) string {
	return fmt.Sprintf("%s:%s:ready", b.cfg.KeyPrefix, queue)
}

func (b *RedisBroker) delayedKey(queue string) string {
	return fmt.Sprintf("%s:%s:delayed", b.cfg.KeyPrefix, queue)
}

func (b *RedisBroker) inflightKey(queue string) string {
	return fmt.Sprintf("%s:%s:inflight", b.cfg.KeyPrefix, queue)
}

// Enqueue appends a message to the queue, optionally deferring delivery.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	if queue == "" {
		return apphuberrors.NewBadRequest("queue name is empty")
	}
	env := envelope{
		Id:         uuid.NewString(),
		Payload:    payload,
		Attempt:    1,
		EnqueuedAt: timeutil.FormatRFC3339(timeutil.NowUTC()),
	}
	raw := jsonutil.MarshalSilently(env)
	var err error
	if opts.Delay > 0 {
		readyAt := float64(time.Now().Add(opts.Delay).UnixMilli())
		err = b.client.ZAdd(ctx, b.delayedKey(queue), redis.Z{Score: readyAt, Member: string(raw)}).Err()
	} else {
		err = b.client.LPush(ctx, b.readyKey(queue), string(raw)).Err()
	}
	if err != nil {
		klog.ErrorS(err, "failed to enqueue message", "queue", queue)
		return apphuberrors.NewQueueUnavailable(fmt.Sprintf("enqueue %s failed: %v", queue, err))
	}
	return nil
}

// ReserveNext pops the next visible message and opens a lease on it.
func (b *RedisBroker) ReserveNext(ctx context.Context, queue string) (*Message, error) {
	if err := b.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}
	raw, err := b.client.RPop(ctx, b.readyKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apphuberrors.NewQueueUnavailable(fmt.Sprintf("reserve %s failed: %v", queue, err))
	}
	var env envelope
	if err = jsonutil.Unmarshal([]byte(raw), &env); err != nil {
		klog.ErrorS(err, "dropping malformed queue entry", "queue", queue)
		return nil, nil
	}
	deadline := float64(time.Now().Add(b.cfg.VisibilityTimeout).UnixMilli())
	if err = b.client.ZAdd(ctx, b.inflightKey(queue), redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
		// Put the message back rather than losing it.
		_ = b.client.LPush(ctx, b.readyKey(queue), raw).Err()
		return nil, apphuberrors.NewQueueUnavailable(fmt.Sprintf("lease %s failed: %v", queue, err))
	}
	enqueuedAt, _ := timeutil.ParseRFC3339(env.EnqueuedAt)
	return &Message{
		Id:         env.Id,
		Queue:      queue,
		Payload:    env.Payload,
		Attempt:    env.Attempt,
		EnqueuedAt: enqueuedAt,
		receipt:    raw,
	}, nil
}

// Ack removes a reserved message permanently.
func (b *RedisBroker) Ack(ctx context.Context, msg *Message) error {
	if msg == nil || msg.receipt == "" {
		return apphuberrors.NewBadRequest("message has no open lease")
	}
	if err := b.client.ZRem(ctx, b.inflightKey(msg.Queue), msg.receipt).Err(); err != nil {
		return apphuberrors.NewQueueUnavailable(fmt.Sprintf("ack %s failed: %v", msg.Queue, err))
	}
	return nil
}

// Nack returns a reserved message to the queue with the attempt counter
// bumped, optionally after a delay.
func (b *RedisBroker) Nack(ctx context.Context, msg *Message, requeueDelay time.Duration) error {
	if msg == nil || msg.receipt == "" {
		return apphuberrors.NewBadRequest("message has no open lease")
	}
	if err := b.client.ZRem(ctx, b.inflightKey(msg.Queue), msg.receipt).Err(); err != nil {
		return apphuberrors.NewQueueUnavailable(fmt.Sprintf("nack %s failed: %v", msg.Queue, err))
	}
	env := envelope{
		Id:         msg.Id,
		Payload:    msg.Payload,
		Attempt:    msg.Attempt + 1,
		EnqueuedAt: timeutil.FormatRFC3339(msg.EnqueuedAt),
	}
	raw := jsonutil.MarshalSilently(env)
	var err error
	if requeueDelay > 0 {
		readyAt := float64(time.Now().Add(requeueDelay).UnixMilli())
		err = b.client.ZAdd(ctx, b.delayedKey(msg.Queue), redis.Z{Score: readyAt, Member: string(raw)}).Err()
	} else {
		err = b.client.LPush(ctx, b.readyKey(msg.Queue), string(raw)).Err()
	}
	if err != nil {
		return apphuberrors.NewQueueUnavailable(fmt.Sprintf("requeue %s failed: %v", msg.Queue, err))
	}
	return nil
}

// ExtendLease pushes the visibility deadline of a reserved message forward.
func (b *RedisBroker) ExtendLease(ctx context.Context, msg *Message, d time.Duration) error {
	if msg == nil || msg.receipt == "" {
		return apphuberrors.NewBadRequest("message has no open lease")
	}
	if d <= 0 {
		d = b.cfg.VisibilityTimeout
	}
	deadline := float64(time.Now().Add(d).UnixMilli())
	err := b.client.ZAddXX(ctx, b.inflightKey(msg.Queue),
		redis.Z{Score: deadline, Member: msg.receipt}).Err()
	if err != nil {
		return apphuberrors.NewQueueUnavailable(fmt.Sprintf("extend lease %s failed: %v", msg.Queue, err))
	}
	// ZADD XX on a reaped member is a no-op; the reaper already redelivered
	// the message and the stale worker's terminal write will lose the gate.
	return nil
}

// Close stops the reaper and closes the connection.
func (b *RedisBroker) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return b.client.Close()
}

// promoteDelayed moves due delayed entries to the ready list.
func (b *RedisBroker) promoteDelayed(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	entries, err := b.client.ZRangeByScore(ctx, b.delayedKey(queue),
		&redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return apphuberrors.NewQueueUnavailable(fmt.Sprintf("promote %s failed: %v", queue, err))
	}
	for _, entry := range entries {
		removed, err := b.client.ZRem(ctx, b.delayedKey(queue), entry).Result()
		if err != nil || removed == 0 {
			continue // another replica promoted it
		}
		if err = b.client.LPush(ctx, b.readyKey(queue), entry).Err(); err != nil {
			klog.ErrorS(err, "failed to promote delayed entry", "queue", queue)
		}
	}
	return nil
}

// reapExpired returns expired in-flight entries to the ready list with the
// attempt counter bumped.
func (b *RedisBroker) reapExpired(ctx context.Context, queue string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	entries, err := b.client.ZRangeByScore(ctx, b.inflightKey(queue),
		&redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		klog.ErrorS(err, "failed to scan in-flight entries", "queue", queue)
		return
	}
	for _, entry := range entries {
		removed, err := b.client.ZRem(ctx, b.inflightKey(queue), entry).Result()
		if err != nil || removed == 0 {
			continue
		}
		var env envelope
		if err = jsonutil.Unmarshal([]byte(entry), &env); err != nil {
			klog.ErrorS(err, "dropping malformed in-flight entry", "queue", queue)
			continue
		}
		env.Attempt++
		if err = b.client.LPush(ctx, b.readyKey(queue), string(jsonutil.MarshalSilently(env))).Err(); err != nil {
			klog.ErrorS(err, "failed to requeue expired entry", "queue", queue, "id", env.Id)
			continue
		}
		klog.Warningf("lease expired for message %s on queue %s, redelivering as attempt %d",
			env.Id, queue, env.Attempt)
	}
}

func (b *RedisBroker) reapLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.ReaperInterval)
	defer ticker.Stop()
	queues := []string{QueueIngest, QueueBuild, QueueLaunchStart, QueueLaunchStop, QueueJobRun}
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ReaperInterval)
			for _, queue := range queues {
				b.reapExpired(ctx, queue)
			}
			cancel()
		}
	}
}
