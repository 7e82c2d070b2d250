package transport

import (
	"sync"

	"github.com/1ureka/broadlink/internal/util"
)

const (
	// inboxCapacity bounds memory held for messages the poll loop has not
	// consumed yet. A full inbox drops new frames rather than growing.
	inboxCapacity = 1024

	// drainBatchSize caps how many messages one Poll call may process, so
	// a flood cannot produce unbounded tick latency.
	drainBatchSize = 64
)

// Kind classifies an inbound broadcast message.
type Kind uint8

const (
	KindData Kind = iota
	KindRequest
	KindResponse
)

// Inbound is one raw message taken off the broadcast channel, tagged with
// its sender identity. Ownership transfers to the consumer on dequeue.
type Inbound struct {
	Sender  string
	Kind    Kind
	Payload []byte
}

// inbox is the boundary between the medium's delivery callback and the poll
// loop: a single-producer/single-consumer FIFO, and the only cross-goroutine
// shared state in the transport besides the registry-free callback path.
type inbox struct {
	mu    sync.Mutex
	items []Inbound
}

func newInbox() *inbox {
	return &inbox{items: make([]Inbound, 0, 64)}
}

// push enqueues one message. Called from the medium callback; does nothing
// but append, so the callback stays cheap on an arbitrary invocation context.
func (q *inbox) push(msg Inbound) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= inboxCapacity {
		util.LogWarning("inbox full, dropping %d-byte message from %s", len(msg.Payload), msg.Sender)
		return
	}
	q.items = append(q.items, msg)
}

// drain removes and returns up to max queued messages in arrival order.
func (q *inbox) drain(max int) []Inbound {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	n := len(q.items)
	if n > max {
		n = max
	}

	batch := make([]Inbound, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return batch
}

// reset discards all queued messages.
func (q *inbox) reset() {
	q.mu.Lock()
	q.items = q.items[:0]
	q.mu.Unlock()
}
