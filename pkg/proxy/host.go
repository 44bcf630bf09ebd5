package proxy

import (
	"context"
	"sync"

	"github.com/sessamekesh/spanreed-csp/pkg/csp"
	"github.com/sessamekesh/spanreed-csp/pkg/dispatch"
	"github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/handlers"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"go.uber.org/zap"
)

type HostParams struct {
	Logger *zap.Logger
}

// ChannelHost makes a local channel reachable by name through a dispatcher.
// Remote ends send data requests to the channel queue and control requests
// to the process handler registered under the same name.
type ChannelHost struct {
	d       *dispatch.Dispatcher
	channel *csp.Channel

	data    *dispatch.QueueBuffer
	control *handlers.QueueHandler

	log *zap.Logger

	closeOnce sync.Once
}

func HostChannel(d *dispatch.Dispatcher, ch *csp.Channel, params HostParams) (*ChannelHost, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	control := handlers.NewQueueHandler(d.TimeoutTicks())
	data, err := d.RegisterChannel(ch.Name())
	if err != nil {
		return nil, err
	}
	if err := d.RegisterProcess(ch.Name(), control); err != nil {
		d.DeregisterChannel(ch.Name())
		return nil, err
	}

	return &ChannelHost{
		d:       d,
		channel: ch,
		data:    data,
		control: control,
		log:     logger.With(zap.String("handler", "ChannelHost"), zap.String("channel", ch.Name())),
	}, nil
}

func (h *ChannelHost) Name() string {
	return h.channel.Name()
}

func (h *ChannelHost) Addr() message.Addr {
	return h.d.Addr()
}

// Start serves requests until ctx is cancelled or Close is called.
func (h *ChannelHost) Start(ctx context.Context) {
	wg := sync.WaitGroup{}
	stopped := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.serveControl()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(stopped)
		h.serveData()
	}()

	go func() {
		select {
		case <-ctx.Done():
			h.Close()
		case <-stopped:
		}
	}()

	wg.Wait()
	h.log.Info("Channel host stopped")
}

// Close deregisters the channel and stops the serve loops. Requests already
// being served keep waiting on the channel.
func (h *ChannelHost) Close() {
	h.closeOnce.Do(func() {
		h.d.DeregisterChannel(h.channel.Name())
		h.d.DeregisterProcess(h.channel.Name())

		stop := message.New(message.Header{Cmd: closeCmd}, message.Payload{})
		h.data.PutNormal(stop)
		h.control.Queue.PutNormal(stop)
	})
}

func (h *ChannelHost) serveData() {
	for {
		m := h.data.PopNormal()
		switch m.Header.Cmd.Base() {
		case closeCmd:
			return
		case message.Cmd_ChanThreadPostRead:
			go h.postRead(m)
		case message.Cmd_ChanThreadPostWrite:
			go h.postWrite(m)
		default:
			h.log.Warn("Unexpected data request", zap.Stringer("cmd", m.Header.Cmd), zap.Stringer("from", m.Header.SourceAddr()))
		}
	}
}

func (h *ChannelHost) reply(src message.Header, cmd message.Cmd, p message.Payload) {
	if err := h.d.Reply(src, message.Header{Cmd: cmd | replyFlags}, p); err != nil {
		h.log.Warn("Failed to reply", zap.Stringer("to", src.SourceAddr()), zap.String("guard", src.SourceId), zap.Error(err))
	}
}

func (h *ChannelHost) replyError(src message.Header, err error) {
	switch {
	case errors.IsPoison(err):
		h.reply(src, message.Cmd_ChanThreadPoisoned, message.Payload{})
	case errors.IsRetire(err):
		h.reply(src, message.Cmd_ChanThreadRetired, message.Payload{})
	default:
		h.log.Error("Channel operation failed", zap.Error(err))
		h.reply(src, message.Cmd_ChanThreadPoisoned, message.Payload{})
	}
}

func (h *ChannelHost) postRead(m *message.Message) {
	v, err := h.channel.Read()
	if err != nil {
		h.replyError(m.Header, err)
		return
	}
	h.reply(m.Header, message.Cmd_ChanThreadReply, message.Value(v))
}

func (h *ChannelHost) postWrite(m *message.Message) {
	v, err := m.Payload.Decode()
	if err != nil {
		h.log.Warn("Undecodable write payload", zap.Stringer("from", m.Header.SourceAddr()), zap.Error(err))
		h.reply(m.Header, message.Cmd_ChanThreadPoisoned, message.Payload{})
		return
	}

	if err := h.channel.Write(v); err != nil {
		h.replyError(m.Header, err)
		return
	}
	h.reply(m.Header, message.Cmd_ChanThreadReply, message.Payload{})
}

func (h *ChannelHost) serveControl() {
	for {
		m := h.control.Queue.PopNormal()
		cmd := m.Header.Cmd.Base()
		if cmd == closeCmd {
			return
		}
		if !isControl(cmd) {
			h.log.Warn("Unexpected control request", zap.Stringer("cmd", m.Header.Cmd))
			continue
		}

		h.log.Debug("Control request", zap.Stringer("cmd", m.Header.Cmd), zap.Stringer("from", m.Header.SourceAddr()), zap.String("guard", m.Header.SourceId))
		switch cmd {
		case message.Cmd_ChanThreadJoinReader:
			h.channel.JoinReader()
		case message.Cmd_ChanThreadJoinWriter:
			h.channel.JoinWriter()
		case message.Cmd_ChanThreadLeaveReader:
			h.channel.LeaveReader()
		case message.Cmd_ChanThreadLeaveWriter:
			h.channel.LeaveWriter()
		case message.Cmd_ChanThreadPoison:
			h.channel.Poison()
		}

		if m.Header.Cmd.Has(message.Flag_ReqReply) {
			h.reply(m.Header, message.Cmd_ChanThreadAck, message.Payload{})
		}
	}
}
