package csp

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-csp/pkg/errors"
)

// Channel is a named synchronous rendezvous point. A write completes only when
// a reader takes the value, and vice versa.
type Channel struct {
	name string

	mu         sync.Mutex
	readQueue  []*ChannelReq
	writeQueue []*ChannelReq
	readers    int
	writers    int
	poisoned   bool
	retired    bool
}

// NewChannel creates a channel. An empty name is replaced by a random UUID.
func NewChannel(name string) *Channel {
	if name == "" {
		name = uuid.NewString()
	}
	return &Channel{name: name}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) checkTerminationLocked() error {
	if c.poisoned {
		return &errors.ChannelPoisonError{Channel: c.name}
	}
	if c.retired {
		return &errors.ChannelRetireError{Channel: c.name}
	}
	return nil
}

func (c *Channel) PostRead(req *ChannelReq) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTerminationLocked(); err != nil {
		return err
	}
	c.readQueue = append(c.readQueue, req)
	c.matchLocked()
	return nil
}

func (c *Channel) PostWrite(req *ChannelReq) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkTerminationLocked(); err != nil {
		return err
	}
	c.writeQueue = append(c.writeQueue, req)
	c.matchLocked()
	return nil
}

func removeReq(queue []*ChannelReq, req *ChannelReq) []*ChannelReq {
	for i, r := range queue {
		if r == req {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func (c *Channel) RemoveRead(req *ChannelReq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readQueue = removeReq(c.readQueue, req)
}

func (c *Channel) RemoveWrite(req *ChannelReq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeQueue = removeReq(c.writeQueue, req)
}

// matchLocked pairs the oldest matchable write with the oldest matchable read.
// At most one match is made per call.
func (c *Channel) matchLocked() {
	if len(c.readQueue) == 0 || len(c.writeQueue) == 0 {
		return
	}
	for _, w := range c.writeQueue {
		for _, r := range c.readQueue {
			if offer(w, r) {
				return
			}
		}
	}
}

// Poison is idempotent. Every queued request resolves to poison and every
// later operation fails.
func (c *Channel) Poison() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return
	}
	c.poisoned = true
	for _, r := range c.readQueue {
		r.poison()
	}
	for _, w := range c.writeQueue {
		w.poison()
	}
}

func (c *Channel) IsPoisoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

func (c *Channel) IsRetired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

func (c *Channel) JoinReader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers++
}

func (c *Channel) JoinWriter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writers++
}

// LeaveReader retires the channel when the last reader leaves, resolving
// pending writes to retire.
func (c *Channel) LeaveReader() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retired || c.readers == 0 {
		return
	}
	c.readers--
	if c.readers == 0 {
		c.retired = true
		for _, w := range c.writeQueue {
			w.retire()
		}
	}
}

// LeaveWriter retires the channel when the last writer leaves, resolving
// pending reads to retire.
func (c *Channel) LeaveWriter() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retired || c.writers == 0 {
		return
	}
	c.writers--
	if c.writers == 0 {
		c.retired = true
		for _, r := range c.readQueue {
			r.retire()
		}
	}
}

func (c *Channel) Reader() *ReaderEnd {
	c.JoinReader()
	return &ReaderEnd{channel: c}
}

func (c *Channel) Writer() *WriterEnd {
	c.JoinWriter()
	return &WriterEnd{channel: c}
}

// Read blocks until a writer hands over a value. It does not join the
// channel; ends and channel hosts call it on behalf of a joined endpoint.
func (c *Channel) Read() (any, error) {
	st := newReqStatus()
	req := newReadReq(st)
	if err := c.PostRead(req); err != nil {
		return nil, err
	}
	<-st.done
	c.RemoveRead(req)

	switch req.Result() {
	case Result_Success:
		return req.Msg(), nil
	case Result_Poison:
		return nil, &errors.ChannelPoisonError{Channel: c.name}
	default:
		return nil, &errors.ChannelRetireError{Channel: c.name}
	}
}

// Write blocks until a reader takes msg. Like Read it does not join.
func (c *Channel) Write(msg any) error {
	st := newReqStatus()
	req := newWriteReq(st, msg)
	if err := c.PostWrite(req); err != nil {
		return err
	}
	<-st.done
	c.RemoveWrite(req)

	switch req.Result() {
	case Result_Success:
		return nil
	case Result_Poison:
		return &errors.ChannelPoisonError{Channel: c.name}
	default:
		return &errors.ChannelRetireError{Channel: c.name}
	}
}
