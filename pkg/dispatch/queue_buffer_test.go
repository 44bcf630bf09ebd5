package dispatch

import (
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string) *message.Message {
	return message.New(message.Header{Cmd: message.Cmd_ChanThreadPostWrite, Id: id}, message.Payload{})
}

func TestPopReplyTimesOutAfterTwoTicks(t *testing.T) {
	q := NewQueueBuffer(0)

	got := make(chan *message.Message, 1)
	go func() {
		got <- q.PopReply()
	}()
	require.Eventually(t, q.waitingForReply, time.Second, time.Millisecond)

	q.TimeoutTick()
	select {
	case <-got:
		t.Fatal("PopReply returned after a single tick")
	case <-time.After(20 * time.Millisecond):
	}

	q.TimeoutTick()
	select {
	case m := <-got:
		assert.Nil(t, m)
	case <-time.After(time.Second):
		t.Fatal("PopReply still blocked after two ticks")
	}
}

func TestTicksWithoutWaiterDoNotCount(t *testing.T) {
	q := NewQueueBuffer(2)
	for i := 0; i < 5; i++ {
		q.TimeoutTick()
	}

	got := make(chan *message.Message, 1)
	go func() {
		got <- q.PopReply()
	}()
	require.Eventually(t, q.waitingForReply, time.Second, time.Millisecond)

	q.TimeoutTick()
	q.PutReply(msg("r"))
	m := <-got
	require.NotNil(t, m)
	assert.Equal(t, "r", m.Header.Id)
}

func TestTimeoutResetsForNextWait(t *testing.T) {
	q := NewQueueBuffer(1)

	for round := 0; round < 2; round++ {
		got := make(chan *message.Message, 1)
		go func() {
			got <- q.PopReply()
		}()
		require.Eventually(t, q.waitingForReply, time.Second, time.Millisecond)
		q.TimeoutTick()
		assert.Nil(t, <-got)
	}

	q.PutReply(msg("late"))
	assert.Equal(t, "late", q.PopReply().Header.Id)
}

func TestConcurrentReplyWaitersTimeOutIndependently(t *testing.T) {
	q := NewQueueBuffer(2)
	waiters := func(n int) func() bool {
		return func() bool {
			return q.replyWaiterCount() == n
		}
	}

	first := make(chan *message.Message, 1)
	go func() {
		first <- q.PopReply()
	}()
	require.Eventually(t, waiters(1), time.Second, time.Millisecond)
	q.TimeoutTick()

	second := make(chan *message.Message, 1)
	go func() {
		second <- q.PopReply()
	}()
	require.Eventually(t, waiters(2), time.Second, time.Millisecond)
	q.TimeoutTick()

	select {
	case m := <-first:
		assert.Nil(t, m)
	case <-time.After(time.Second):
		t.Fatal("first waiter still blocked after its two ticks")
	}
	select {
	case <-second:
		t.Fatal("second waiter returned after a single tick")
	case <-time.After(20 * time.Millisecond):
	}

	q.TimeoutTick()
	select {
	case m := <-second:
		assert.Nil(t, m)
	case <-time.After(time.Second):
		t.Fatal("second waiter still blocked after its two ticks")
	}
	assert.Equal(t, 0, q.replyWaiterCount())
}

func TestPopNormalIsFIFOAndBlocks(t *testing.T) {
	q := NewQueueBuffer(0)
	q.PutNormal(msg("a"))
	q.PutNormal(msg("b"))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, "a", q.PopNormal().Header.Id)
	assert.Equal(t, "b", q.PopNormal().Header.Id)

	got := make(chan *message.Message, 1)
	go func() {
		got <- q.PopNormal()
	}()
	select {
	case <-got:
		t.Fatal("PopNormal returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}
	q.PutNormal(msg("c"))
	assert.Equal(t, "c", (<-got).Header.Id)
}

func TestPopDrainsRepliesFirst(t *testing.T) {
	q := NewQueueBuffer(0)
	q.PutNormal(msg("n1"))
	q.PutReply(msg("r1"))
	q.PutNormal(msg("n2"))
	q.PutReply(msg("r2"))

	var order []string
	for i := 0; i < 4; i++ {
		order = append(order, q.Pop().Header.Id)
	}
	assert.Equal(t, []string{"r1", "r2", "n1", "n2"}, order)

	got := make(chan *message.Message, 1)
	go func() {
		got <- q.Pop()
	}()
	time.Sleep(10 * time.Millisecond)
	q.PutReply(msg("r3"))
	assert.Equal(t, "r3", (<-got).Header.Id)
}
