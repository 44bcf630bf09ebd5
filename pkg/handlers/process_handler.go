package handlers

import (
	"github.com/sessamekesh/spanreed-csp/pkg/dispatch"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
)

// HandlerFunc adapts a function to dispatch.ProcessHandler.
type HandlerFunc func(m *message.Message)

func (f HandlerFunc) Handle(m *message.Message) {
	f(m)
}

// QueueHandler buffers process messages in a QueueBuffer so a consumer
// goroutine can block on them without stalling the dispatch loop. Replies go
// to the reply sub-queue.
type QueueHandler struct {
	Queue *dispatch.QueueBuffer
}

func NewQueueHandler(timeoutTicks int) *QueueHandler {
	return &QueueHandler{Queue: dispatch.NewQueueBuffer(timeoutTicks)}
}

func (h *QueueHandler) Handle(m *message.Message) {
	if m.Header.Cmd.Has(message.Flag_IsReply) {
		h.Queue.PutReply(m)
		return
	}
	h.Queue.PutNormal(m)
}

var (
	_ dispatch.ProcessHandler = HandlerFunc(nil)
	_ dispatch.ProcessHandler = (*QueueHandler)(nil)
)
