package dispatch

import (
	"sync"

	"github.com/sessamekesh/spanreed-csp/pkg/message"
)

const DefaultTimeoutTicks = 2

// QueueBuffer holds the inbound messages for one registered id. Normal
// messages are new requests, reply messages answer a request this endpoint
// sent. Pop drains replies first.
type QueueBuffer struct {
	mu        sync.Mutex
	normalCnd *sync.Cond
	replyCnd  *sync.Cond
	anyCnd    *sync.Cond

	normal []*message.Message
	reply  []*message.Message

	normalWaiters int
	replyWaiters  int
	anyWaiters    int

	// ticks counts TimeoutTick calls made while a reply waiter was present.
	// Each PopReply measures its own timeout from the value it saw on entry.
	timeoutTicks int
	ticks        uint64
}

// NewQueueBuffer creates a buffer whose PopReply gives up after timeoutTicks
// calls to TimeoutTick. Values below one use DefaultTimeoutTicks.
func NewQueueBuffer(timeoutTicks int) *QueueBuffer {
	if timeoutTicks < 1 {
		timeoutTicks = DefaultTimeoutTicks
	}
	q := &QueueBuffer{timeoutTicks: timeoutTicks}
	q.normalCnd = sync.NewCond(&q.mu)
	q.replyCnd = sync.NewCond(&q.mu)
	q.anyCnd = sync.NewCond(&q.mu)
	return q
}

func (q *QueueBuffer) PutNormal(m *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.normal = append(q.normal, m)
	if q.normalWaiters > 0 {
		q.normalCnd.Signal()
	}
	if q.anyWaiters > 0 {
		q.anyCnd.Signal()
	}
}

func (q *QueueBuffer) PutReply(m *message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reply = append(q.reply, m)
	if q.replyWaiters > 0 {
		q.replyCnd.Signal()
	}
	if q.anyWaiters > 0 {
		q.anyCnd.Signal()
	}
}

// PopNormal blocks until a normal message is available.
func (q *QueueBuffer) PopNormal() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.normal) == 0 {
		q.normalWaiters++
		q.normalCnd.Wait()
		q.normalWaiters--
	}
	m := q.normal[0]
	q.normal = q.normal[1:]
	return m
}

// PopReply blocks until a reply arrives or the tick timeout expires. It
// returns nil on timeout. Concurrent callers time out independently.
func (q *QueueBuffer) PopReply() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.reply) == 0 {
		start := q.ticks
		q.replyWaiters++
		for len(q.reply) == 0 && q.ticks-start < uint64(q.timeoutTicks) {
			q.replyCnd.Wait()
		}
		q.replyWaiters--
	}

	if len(q.reply) == 0 {
		return nil
	}
	m := q.reply[0]
	q.reply = q.reply[1:]
	return m
}

// Pop blocks until any message is available, preferring replies.
func (q *QueueBuffer) Pop() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.reply) == 0 && len(q.normal) == 0 {
		q.anyWaiters++
		q.anyCnd.Wait()
		q.anyWaiters--
	}
	if len(q.reply) > 0 {
		m := q.reply[0]
		q.reply = q.reply[1:]
		return m
	}
	m := q.normal[0]
	q.normal = q.normal[1:]
	return m
}

// TimeoutTick advances the reply timeout. Ticks only count while a PopReply
// caller is waiting.
func (q *QueueBuffer) TimeoutTick() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.replyWaiters == 0 {
		return
	}
	q.ticks++
	q.replyCnd.Broadcast()
}

// Len is the number of buffered messages in both sub-queues.
func (q *QueueBuffer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.normal) + len(q.reply)
}

// waitingForReply reports whether a PopReply caller is currently blocked.
func (q *QueueBuffer) waitingForReply() bool {
	return q.replyWaiterCount() > 0
}

func (q *QueueBuffer) replyWaiterCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.replyWaiters
}
