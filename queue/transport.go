// Package queue abstracts the durable message queues that connect the
// pipeline stages. Delivery is at-least-once: a message that is not acked
// within its visibility window becomes eligible for redelivery, and no
// ordering is guaranteed across messages.
package queue

import (
	"context"
	"time"
)

// Message is one received queue entry. ReceiptHandle identifies this delivery
// for Ack; it is only valid until the visibility window lapses.
type Message struct {
	Body          []byte
	ReceiptHandle string
}

// Transport is the contract used by all three pipeline workers.
type Transport interface {
	// Send enqueues body on the given queue.
	Send(ctx context.Context, queueURL string, body []byte) error
	// Receive long-polls up to wait for at most max messages. An empty batch
	// is not an error.
	Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]Message, error)
	// Ack removes a delivered message so it is not redelivered.
	Ack(ctx context.Context, queueURL string, receiptHandle string) error
}
