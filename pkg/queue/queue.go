/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package queue

import (
	"context"
	"time"
)

// Queue names, one per workload class.
const (
	QueueIngest      = "ingest"
	QueueBuild       = "build"
	QueueLaunchStart = "launch-start"
	QueueLaunchStop  = "launch-stop"
	QueueJobRun      = "job-run"
)

// Message is one unit of queued work. Attempt starts at 1 and grows on every
// redelivery.
type Message struct {
	Id         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    []byte          `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`

	// receipt identifies the in-flight entry for ack/nack; brokers fill it
	// on reserve.
	receipt string
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// Delay defers first delivery.
	Delay time.Duration
}

// Consumer processes one message. A nil error acks the message; an error
// nacks it for redelivery.
type Consumer func(ctx context.Context, msg *Message) error

// Broker is the durable FIFO capability surface. Delivery is at-least-once;
// a reserved message stays invisible until its lease expires, is extended,
// or the message is acked.
type Broker interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error
	// ReserveNext returns the next visible message or nil when the queue is
	// empty.
	ReserveNext(ctx context.Context, queue string) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	Nack(ctx context.Context, msg *Message, requeueDelay time.Duration) error
	ExtendLease(ctx context.Context, msg *Message, d time.Duration) error
	Close() error
}
