package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/chat-warden/queue"
)

// MemoryTransport is an in-memory queue.Transport for tests. Messages stay
// invisible-but-retained after Receive until acked, so redelivery can be
// exercised with Redeliver.
type MemoryTransport struct {
	mu       sync.Mutex
	pending  map[string][]queue.Message // visible, awaiting receive
	inflight map[string][]queue.Message // received, awaiting ack
	seq      int
	SendErrs map[string]error // per-queue injected send failure
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		pending:  make(map[string][]queue.Message),
		inflight: make(map[string][]queue.Message),
		SendErrs: make(map[string]error),
	}
}

func (m *MemoryTransport) Send(ctx context.Context, queueURL string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.SendErrs[queueURL]; err != nil {
		return err
	}
	m.seq++
	m.pending[queueURL] = append(m.pending[queueURL], queue.Message{
		Body:          append([]byte(nil), body...),
		ReceiptHandle: fmt.Sprintf("rh-%d", m.seq),
	})
	return nil
}

func (m *MemoryTransport) Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.pending[queueURL]
	if len(msgs) == 0 {
		return nil, nil
	}
	if max > len(msgs) {
		max = len(msgs)
	}
	batch := msgs[:max]
	m.pending[queueURL] = msgs[max:]
	m.inflight[queueURL] = append(m.inflight[queueURL], batch...)
	return batch, nil
}

func (m *MemoryTransport) Ack(ctx context.Context, queueURL string, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inflight := m.inflight[queueURL]
	for i, msg := range inflight {
		if msg.ReceiptHandle == receiptHandle {
			m.inflight[queueURL] = append(inflight[:i], inflight[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown receipt handle %q", receiptHandle)
}

// Redeliver moves all unacked in-flight messages back to pending, simulating
// a lapsed visibility window.
func (m *MemoryTransport) Redeliver(queueURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[queueURL] = append(m.pending[queueURL], m.inflight[queueURL]...)
	m.inflight[queueURL] = nil
}

// Pending returns the visible messages on a queue.
func (m *MemoryTransport) Pending(queueURL string) []queue.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Message(nil), m.pending[queueURL]...)
}

// InflightCount returns the number of received-but-unacked messages.
func (m *MemoryTransport) InflightCount(queueURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight[queueURL])
}
