/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

// Dispatcher binds consumers to queues and drives delivery. On an inline
// broker consumers run inside Enqueue; on a durable broker the dispatcher
// polls, keeps leases alive while a consumer runs, and acks or nacks by the
// consumer's verdict.
type Dispatcher struct {
	broker       Broker
	pollInterval time.Duration
	leaseRefresh time.Duration

	mu            sync.Mutex
	registrations []registration
	started       bool
	wg            sync.WaitGroup
}

type registration struct {
	queue   string
	fn      Consumer
	workers int
}

// NewDispatcher creates a dispatcher over the given broker.
func NewDispatcher(broker Broker, pollInterval, leaseRefresh time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if leaseRefresh <= 0 {
		leaseRefresh = 20 * time.Second
	}
	return &Dispatcher{broker: broker, pollInterval: pollInterval, leaseRefresh: leaseRefresh}
}

// Register binds a consumer to a queue with the given worker concurrency.
func (d *Dispatcher) Register(queue string, fn Consumer, workers int) {
	if workers <= 0 {
		workers = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registrations = append(d.registrations, registration{queue: queue, fn: fn, workers: workers})
}

// Start begins delivery and returns immediately. It is an error to start
// twice.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return apphuberrors.NewConflict("dispatcher already started")
	}
	d.started = true

	if inline, ok := d.broker.(*InlineBroker); ok {
		for _, reg := range d.registrations {
			inline.SetConsumer(reg.queue, reg.fn)
		}
		klog.Infof("dispatcher bound %d inline consumers", len(d.registrations))
		return nil
	}
	for _, reg := range d.registrations {
		for i := 0; i < reg.workers; i++ {
			d.wg.Add(1)
			go d.pollLoop(ctx, reg)
		}
		klog.Infof("dispatcher polling queue %s with %d workers", reg.queue, reg.workers)
	}
	return nil
}

// Wait blocks until all poll loops have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) pollLoop(ctx context.Context, reg registration) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := d.broker.ReserveNext(ctx, reg.queue)
		if err != nil {
			klog.ErrorS(err, "failed to reserve message", "queue", reg.queue)
			d.sleep(ctx, d.pollInterval)
			continue
		}
		if msg == nil {
			d.sleep(ctx, d.pollInterval)
			continue
		}
		d.process(ctx, reg, msg)
	}
}

func (d *Dispatcher) process(ctx context.Context, reg registration, msg *Message) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(d.leaseRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := d.broker.ExtendLease(ctx, msg, 0); err != nil {
					klog.ErrorS(err, "failed to extend lease", "queue", reg.queue, "id", msg.Id)
				}
			}
		}
	}()

	err := reg.fn(runCtx, msg)
	cancel()
	<-heartbeatDone

	if err == nil {
		if ackErr := d.broker.Ack(ctx, msg); ackErr != nil {
			klog.ErrorS(ackErr, "failed to ack message", "queue", reg.queue, "id", msg.Id)
		}
		return
	}
	klog.ErrorS(err, "consumer failed", "queue", reg.queue, "id", msg.Id, "attempt", msg.Attempt)
	delay := requeueBackoff(msg.Attempt)
	if nackErr := d.broker.Nack(ctx, msg, delay); nackErr != nil {
		klog.ErrorS(nackErr, "failed to nack message", "queue", reg.queue, "id", msg.Id)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// requeueBackoff grows the redelivery delay with the attempt count, capped
// at one minute.
func requeueBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(attempt) * 2 * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
