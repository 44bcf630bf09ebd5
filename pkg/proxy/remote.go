package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sessamekesh/spanreed-csp/pkg/dispatch"
	"github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"go.uber.org/zap"
)

type RemoteParams struct {
	// MaxReplyTimeouts bounds how many tick timeouts a request waits through
	// before giving up with Unavailable. Zero waits forever.
	MaxReplyTimeouts int

	Logger *zap.Logger
}

// RemoteChannel is a handle on a channel hosted by another dispatcher,
// possibly in another process.
type RemoteChannel struct {
	d      *dispatch.Dispatcher
	addr   message.Addr
	name   string
	params RemoteParams

	log *zap.Logger
}

// Connect announces this process to the host of name at addr and returns a
// handle to it. It fails with Unavailable if addr hosts no such channel.
func Connect(d *dispatch.Dispatcher, addr message.Addr, name string, params RemoteParams) (*RemoteChannel, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	r := &RemoteChannel{
		d:      d,
		addr:   addr,
		name:   name,
		params: params,
		log:    logger.With(zap.String("handler", "RemoteChannel"), zap.String("channel", name), zap.Stringer("host", addr)),
	}

	g, err := r.newGuard()
	if err != nil {
		return nil, err
	}
	defer g.close()

	cmd := message.Cmd_ChanThreadEnter | controlFlags
	if d.NatFix() {
		cmd |= message.Flag_NatFix
	}
	if _, err := g.request(cmd, message.Payload{}); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RemoteChannel) Name() string {
	return r.name
}

// replyGuard is a private reply queue. Requests through one guard are
// serialized so replies cannot be confused.
type replyGuard struct {
	r  *RemoteChannel
	id string
	q  *dispatch.QueueBuffer

	mu sync.Mutex
}

func (r *RemoteChannel) newGuard() (*replyGuard, error) {
	id := uuid.NewString()
	q, err := r.d.RegisterGuard(id)
	if err != nil {
		return nil, err
	}
	return &replyGuard{r: r, id: id, q: q}, nil
}

func (g *replyGuard) close() {
	g.r.d.DeregisterGuard(g.id)
}

func (g *replyGuard) request(cmd message.Cmd, p message.Payload) (*message.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.r
	err := r.d.Send(r.addr, message.Header{
		Cmd:      cmd,
		Id:       r.name,
		SourceId: g.id,
	}, p)
	if err != nil {
		return nil, err
	}

	timeouts := 0
	for {
		m := g.q.PopReply()
		if m == nil {
			timeouts++
			if r.params.MaxReplyTimeouts > 0 && timeouts >= r.params.MaxReplyTimeouts {
				return nil, &errors.Unavailable{Id: r.name, Addr: r.addr.String()}
			}
			r.log.Debug("Still waiting for reply", zap.Stringer("cmd", cmd), zap.Int("timeouts", timeouts))
			continue
		}
		if err := replyError(m, r.name, r.addr); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Reader joins the remote channel as a reader.
func (r *RemoteChannel) Reader() (*RemoteReader, error) {
	g, err := r.join(message.Cmd_ChanThreadJoinReader)
	if err != nil {
		return nil, err
	}
	return &RemoteReader{remoteEnd{g: g}}, nil
}

// Writer joins the remote channel as a writer.
func (r *RemoteChannel) Writer() (*RemoteWriter, error) {
	g, err := r.join(message.Cmd_ChanThreadJoinWriter)
	if err != nil {
		return nil, err
	}
	return &RemoteWriter{remoteEnd{g: g}}, nil
}

func (r *RemoteChannel) join(cmd message.Cmd) (*replyGuard, error) {
	g, err := r.newGuard()
	if err != nil {
		return nil, err
	}
	if _, err := g.request(cmd|controlFlags, message.Payload{}); err != nil {
		g.close()
		return nil, err
	}
	return g, nil
}

type remoteEnd struct {
	g    *replyGuard
	left atomic.Bool
}

func (e *remoteEnd) retired() error {
	return &errors.ChannelRetireError{Channel: e.g.r.name}
}

func (e *remoteEnd) leave(cmd message.Cmd) error {
	if !e.left.CompareAndSwap(false, true) {
		return nil
	}
	defer e.g.close()
	_, err := e.g.request(cmd|controlFlags, message.Payload{})
	return err
}

// Poison poisons the hosted channel.
func (e *remoteEnd) Poison() error {
	_, err := e.g.request(message.Cmd_ChanThreadPoison|controlFlags, message.Payload{})
	if errors.IsPoison(err) {
		return nil
	}
	return err
}

type RemoteReader struct {
	remoteEnd
}

func (e *RemoteReader) Read() (any, error) {
	if e.left.Load() {
		return nil, e.retired()
	}
	m, err := e.g.request(message.Cmd_ChanThreadPostRead, message.Payload{})
	if err != nil {
		return nil, err
	}
	return m.Payload.Decode()
}

// Retire leaves the channel. Calling it more than once has no further effect.
func (e *RemoteReader) Retire() error {
	return e.leave(message.Cmd_ChanThreadLeaveReader)
}

type RemoteWriter struct {
	remoteEnd
}

func (e *RemoteWriter) Write(v any) error {
	if e.left.Load() {
		return e.retired()
	}
	_, err := e.g.request(message.Cmd_ChanThreadPostWrite, message.Value(v))
	return err
}

func (e *RemoteWriter) Retire() error {
	return e.leave(message.Cmd_ChanThreadLeaveWriter)
}
