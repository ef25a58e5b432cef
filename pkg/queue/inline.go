/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
	"github.com/benediktbwimmer/apphub-sub011/pkg/timeutil"
)

// InlineBroker executes consumers synchronously inside Enqueue. Used for
// tests and single-process deployments without a broker; there is no retry,
// a failed consumer records the failure on its own entity.
type InlineBroker struct {
	mu        sync.RWMutex
	consumers map[string]Consumer
}

// NewInlineBroker creates an empty inline broker.
func NewInlineBroker() *InlineBroker {
	return &InlineBroker{consumers: make(map[string]Consumer)}
}

// SetConsumer binds the consumer invoked on enqueue for a queue.
func (b *InlineBroker) SetConsumer(queue string, fn Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers[queue] = fn
}

// Enqueue dispatches the payload to the bound consumer on the calling
// goroutine. Enqueueing to a queue without a consumer is an error.
func (b *InlineBroker) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	if queue == "" {
		return apphuberrors.NewBadRequest("queue name is empty")
	}
	b.mu.RLock()
	fn := b.consumers[queue]
	b.mu.RUnlock()
	if fn == nil {
		return apphuberrors.NewQueueUnavailable("no consumer bound for queue " + queue)
	}
	msg := &Message{
		Id:         uuid.NewString(),
		Queue:      queue,
		Payload:    payload,
		Attempt:    1,
		EnqueuedAt: timeutil.NowUTC(),
	}
	if err := fn(ctx, msg); err != nil {
		// The consumer already recorded the failure on its entity; inline
		// mode does not redeliver.
		klog.ErrorS(err, "inline consumer failed", "queue", queue, "id", msg.Id)
	}
	return nil
}

// ReserveNext always reports an empty queue; inline messages never wait.
func (b *InlineBroker) ReserveNext(ctx context.Context, queue string) (*Message, error) {
	return nil, nil
}

// Ack is a no-op for inline delivery.
func (b *InlineBroker) Ack(ctx context.Context, msg *Message) error { return nil }

// Nack is a no-op for inline delivery.
func (b *InlineBroker) Nack(ctx context.Context, msg *Message, requeueDelay time.Duration) error {
	return nil
}

// ExtendLease is a no-op for inline delivery.
func (b *InlineBroker) ExtendLease(ctx context.Context, msg *Message, d time.Duration) error {
	return nil
}

// Close releases nothing.
func (b *InlineBroker) Close() error { return nil }
