package dispatch

import (
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"github.com/sessamekesh/spanreed-csp/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProcessHandler receives messages addressed to a registered process id.
// Handle is called from the dispatch loop, and with the registry locked while
// buffered messages are replayed on registration. It must not block or call
// back into the Dispatcher.
type ProcessHandler interface {
	Handle(m *message.Message)
}

type frame struct {
	conn net.Conn
	msg  *message.Message
	err  error
}

// Dispatcher is the per-process message router. It owns the listening
// socket, the registries of local channels, guards and processes, and the
// loop that demultiplexes inbound traffic into them.
type Dispatcher struct {
	config     Config
	log        *zap.Logger
	clock      clock.Clock
	serializer message.HeaderSerializer
	conns      *transport.ConnHandler
	metrics    *metrics

	listener net.Listener
	addr     message.Addr

	accepted chan net.Conn
	frames   chan frame
	closing  chan struct{}

	mu               sync.Mutex
	channels         map[string]*QueueBuffer
	guards           map[string]*QueueBuffer
	processes        map[string]ProcessHandler
	pendingChannels  *lru.Cache[string, *QueueBuffer]
	pendingProcesses *lru.Cache[string, []*message.Message]
	pendingMaxIds    int
	activeAdd        []net.Conn
	running          bool
	loopDone         chan struct{}
	closed           bool
	err              error

	// Only the loop goroutine touches the active set.
	active map[net.Conn]struct{}
}

// New binds the listening socket. The dispatch loop starts lazily on the
// first registration.
func New(config Config) (*Dispatcher, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	serializer := config.serializer()
	log := logger.With(zap.String("handler", "Dispatcher"))

	conns := transport.CreateConnHandler(transport.ConnHandlerParams{
		Serializer:     serializer,
		MaxPayloadSize: config.MaxPayloadSize,
		Logger:         logger,
	})
	listener, addr, err := conns.StartServer(config.Host, config.Port)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		config:     config,
		log:        log.With(zap.Stringer("addr", addr)),
		clock:      clk,
		serializer: serializer,
		conns:      conns,
		metrics:    newMetrics(config.Registerer, log),

		listener: listener,
		addr:     addr,

		accepted: make(chan net.Conn, 16),
		frames:   make(chan frame, 256),
		closing:  make(chan struct{}),

		channels:  make(map[string]*QueueBuffer),
		guards:    make(map[string]*QueueBuffer),
		processes: make(map[string]ProcessHandler),
		active:    make(map[net.Conn]struct{}),
	}

	// addPending evicts and counts drops. Removing an adopted buffer is not a drop.
	d.pendingMaxIds = config.pendingMaxIds()
	d.pendingChannels, err = lru.New[string, *QueueBuffer](d.pendingMaxIds)
	if err != nil {
		listener.Close()
		return nil, err
	}
	d.pendingProcesses, err = lru.New[string, []*message.Message](d.pendingMaxIds)
	if err != nil {
		listener.Close()
		return nil, err
	}

	go d.acceptLoop()

	return d, nil
}

// Addr is the bound listening address. Sends to exactly this address are
// delivered in-process.
func (d *Dispatcher) Addr() message.Addr {
	return d.addr
}

func (d *Dispatcher) NatFix() bool {
	return d.config.NatFix
}

func (d *Dispatcher) TimeoutTicks() int {
	return d.config.timeoutTicks()
}

func (d *Dispatcher) Logger() *zap.Logger {
	return d.log
}

// Err returns the error that stopped the dispatch loop, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Running reports whether the dispatch loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) emptyLocked() bool {
	return len(d.channels) == 0 && len(d.processes) == 0 && len(d.guards) == 0
}

func (d *Dispatcher) startThreadLocked() {
	if d.running || d.closed || d.emptyLocked() {
		return
	}
	d.running = true
	d.loopDone = make(chan struct{})
	go d.run(d.loopDone)
}

// stopThread asks the loop to exit by sending a shutdown header to our own
// listening socket. The loop only honors it once every registry is empty.
func (d *Dispatcher) stopThread() {
	conn, err := d.conns.Dial(d.addr)
	if err != nil {
		d.log.Warn("Failed to open loop-back connection for shutdown", zap.Error(err))
		return
	}
	defer conn.Close()

	m := message.New(message.Header{Cmd: message.Cmd_SocketThreadShutdown}, message.Payload{})
	if err := m.Transmit(conn, d.serializer); err != nil {
		d.log.Warn("Failed to send loop-back shutdown", zap.Error(err))
	}
}

func (d *Dispatcher) newQueue() *QueueBuffer {
	return NewQueueBuffer(d.config.timeoutTicks())
}

// RegisterChannel creates the queue for a channel id. Messages that arrived
// for id before registration are adopted in arrival order.
func (d *Dispatcher) RegisterChannel(id string) (*QueueBuffer, error) {
	return d.registerQueue(id, d.channels, "RegisterChannel", true)
}

// RegisterGuard creates the reply queue for a guard id. Guards start empty;
// messages buffered for a channel of the same id stay pending.
func (d *Dispatcher) RegisterGuard(id string) (*QueueBuffer, error) {
	return d.registerQueue(id, d.guards, "RegisterGuard", false)
}

func (d *Dispatcher) registerQueue(id string, registry map[string]*QueueBuffer, ctx string, adopt bool) (*QueueBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, has := registry[id]; has {
		return nil, &errors.NameCollision{
			CollisionContext: ctx,
			Name:             id,
		}
	}

	var q *QueueBuffer
	adopted := false
	if adopt {
		q, adopted = d.pendingChannels.Peek(id)
	}
	if adopted {
		d.pendingChannels.Remove(id)
		d.log.Debug("Adopted pending messages", zap.String("id", id), zap.Int("count", q.Len()))
	} else {
		q = d.newQueue()
	}

	registry[id] = q
	d.startThreadLocked()
	return q, nil
}

// RegisterProcess attaches h to id. Messages that arrived for id before
// registration are handed to h, in order, before RegisterProcess returns and
// before any message routed after it.
func (d *Dispatcher) RegisterProcess(id string, h ProcessHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, has := d.processes[id]; has {
		return &errors.NameCollision{
			CollisionContext: "RegisterProcess",
			Name:             id,
		}
	}

	pending, _ := d.pendingProcesses.Peek(id)
	d.pendingProcesses.Remove(id)
	d.processes[id] = h

	// routeProcess needs d.mu to find h, so nothing newer can reach h
	// until the replay is done.
	for _, m := range pending {
		h.Handle(m)
	}
	d.startThreadLocked()
	return nil
}

func (d *Dispatcher) DeregisterChannel(id string) {
	d.deregister(func() { delete(d.channels, id) })
}

func (d *Dispatcher) DeregisterGuard(id string) {
	d.deregister(func() { delete(d.guards, id) })
}

func (d *Dispatcher) DeregisterProcess(id string) {
	d.deregister(func() { delete(d.processes, id) })
}

func (d *Dispatcher) deregister(remove func()) {
	d.mu.Lock()
	remove()
	stop := d.running && d.emptyLocked()
	d.mu.Unlock()

	if stop {
		d.stopThread()
	}
}

// AddToActiveSocketList makes the loop read from conn, an outbound
// connection a peer will answer on.
func (d *Dispatcher) AddToActiveSocketList(conn net.Conn) {
	d.mu.Lock()
	for _, c := range d.activeAdd {
		if c == conn {
			d.mu.Unlock()
			return
		}
	}
	d.activeAdd = append(d.activeAdd, conn)
	d.mu.Unlock()

	ping := message.New(message.Header{
		Cmd:        message.Cmd_SocketThreadPing,
		SourceHost: d.addr.Host,
		SourcePort: d.addr.Port,
	}, message.Payload{})

	select {
	case d.frames <- frame{msg: ping}:
	case <-d.closing:
	}
}

// Send routes a message to addr. The source address is stamped on the
// header. Messages for our own address skip the network.
func (d *Dispatcher) Send(addr message.Addr, h message.Header, p message.Payload) error {
	h.SourceHost = d.addr.Host
	h.SourcePort = d.addr.Port

	if addr == d.addr {
		d.metrics.sent.WithLabelValues("local").Inc()
		d.deliver(message.New(h, p))
		return nil
	}

	conn, err := d.conns.Send(addr, h, p)
	if err != nil {
		return err
	}
	d.metrics.sent.WithLabelValues("remote").Inc()

	if h.Cmd.Base() == message.Cmd_ChanThreadEnter && h.Cmd.Has(message.Flag_NatFix) {
		d.AddToActiveSocketList(conn)
	}
	return nil
}

// Reply answers src. The reply goes to src's source address and, unless h
// names a target, to the endpoint src came from.
func (d *Dispatcher) Reply(src message.Header, h message.Header, p message.Payload) error {
	h.Cmd |= message.Flag_IsReply
	if h.Id == "" {
		h.Id = src.SourceId
	}
	return d.Send(src.SourceAddr(), h, p)
}

// deliver hands an in-process message to the registry as if it had arrived
// on a socket.
func (d *Dispatcher) deliver(m *message.Message) {
	r := message.Classify(&m.Header)
	switch r.Kind {
	case message.Kind_Ping, message.Kind_Shutdown, message.Kind_NONE:
		d.log.Debug("Ignoring local control message", zap.Stringer("cmd", m.Header.Cmd))
		return
	}
	if err := d.route(m, r); err != nil {
		d.log.Error("Dropped local message", zap.Stringer("msg", m), zap.Error(err))
	}
}

// route delivers a data message to its registry entry. Follow-up sends are
// made after the registry lock is released.
func (d *Dispatcher) route(m *message.Message, r message.Route) error {
	d.metrics.received.WithLabelValues(r.Kind.String()).Inc()

	if r.NatFix && m.NatFix != nil {
		d.conns.UpdateCache(m.Header.SourceAddr(), m.NatFix)
	}

	switch r.Kind {
	case message.Kind_Process:
		return d.routeProcess(m, r)

	case message.Kind_GuardReply:
		d.mu.Lock()
		q, has := d.guards[r.Id]
		if has {
			q.PutReply(m)
		}
		d.mu.Unlock()
		if !has {
			d.log.Debug("Dropped reply for unknown guard", zap.String("id", r.Id), zap.Stringer("cmd", m.Header.Cmd))
			d.metrics.pendingDropped.WithLabelValues("unknown_guard").Inc()
		}
		return nil

	case message.Kind_GuardNormal:
		d.metrics.protocolViolations.Inc()
		return &errors.ProtocolViolation{
			Reason: "guard message without reply flag",
			Cmd:    uint32(m.Header.Cmd),
			Id:     r.Id,
		}

	case message.Kind_ChannelNormal, message.Kind_ChannelReply:
		d.mu.Lock()
		defer d.mu.Unlock()

		if q, has := d.channels[r.Id]; has {
			putByKind(q, m, r.Kind)
			return nil
		}
		if r.IgnUnknown {
			return nil
		}
		d.addPendingChannelLocked(m, r)
		return nil
	}

	return &errors.InvalidEnumValue{
		EnumName: "message.Kind",
		IntValue: uint32(r.Kind),
	}
}

func putByKind(q *QueueBuffer, m *message.Message, k message.Kind) {
	if k == message.Kind_ChannelReply {
		q.PutReply(m)
	} else {
		q.PutNormal(m)
	}
}

func (d *Dispatcher) routeProcess(m *message.Message, r message.Route) error {
	d.mu.Lock()
	h, has := d.processes[r.Id]
	if !has && !r.ReqReply && !r.IgnUnknown {
		d.addPendingProcessLocked(m, r)
	}
	d.mu.Unlock()

	switch {
	case has:
		h.Handle(m)
		return nil
	case r.ReqReply:
		d.metrics.protocolViolations.Inc()
		d.log.Warn("Request for unregistered process", zap.String("id", r.Id), zap.Stringer("cmd", m.Header.Cmd), zap.Stringer("from", m.Header.SourceAddr()))
		err := d.Reply(m.Header, message.Header{
			Cmd: message.Cmd_LockThreadUnavailable | message.Flag_GuardCmd,
			Arg: uint64(m.Header.Cmd.Base()),
		}, message.Payload{})
		if err != nil {
			d.log.Warn("Failed to send unavailable reply", zap.Error(err))
		}
	}
	return nil
}

// addPending stores v under id. When a new id finds the cache full, the least
// recently used id is removed and reported to onEvict first.
func addPending[V any](c *lru.Cache[string, V], capacity int, id string, v V, onEvict func(id string, v V)) {
	if !c.Contains(id) && c.Len() >= capacity {
		if oldId, old, ok := c.RemoveOldest(); ok {
			onEvict(oldId, old)
		}
	}
	c.Add(id, v)
}

func (d *Dispatcher) evictedPending(kind string, id string, count int) {
	d.log.Warn("Evicted pending messages", zap.String("kind", kind), zap.String("id", id), zap.Int("count", count))
	d.metrics.pendingDropped.WithLabelValues("evicted").Add(float64(count))
}

func (d *Dispatcher) addPendingChannelLocked(m *message.Message, r message.Route) {
	q, has := d.pendingChannels.Get(r.Id)
	if !has {
		q = d.newQueue()
		addPending(d.pendingChannels, d.pendingMaxIds, r.Id, q, func(id string, old *QueueBuffer) {
			d.evictedPending("channel", id, old.Len())
		})
	}
	if q.Len() >= d.config.pendingMaxMessages() {
		d.log.Warn("Pending buffer full, dropping message", zap.String("id", r.Id), zap.Stringer("cmd", m.Header.Cmd))
		d.metrics.pendingDropped.WithLabelValues("full").Inc()
		return
	}
	putByKind(q, m, r.Kind)
}

func (d *Dispatcher) addPendingProcessLocked(m *message.Message, r message.Route) {
	msgs, _ := d.pendingProcesses.Get(r.Id)
	if len(msgs) >= d.config.pendingMaxMessages() {
		d.log.Warn("Pending buffer full, dropping message", zap.String("id", r.Id), zap.Stringer("cmd", m.Header.Cmd))
		d.metrics.pendingDropped.WithLabelValues("full").Inc()
		return
	}
	addPending(d.pendingProcesses, d.pendingMaxIds, r.Id, append(msgs, m), func(id string, old []*message.Message) {
		d.evictedPending("process", id, len(old))
	})
}

// PendingLen is the number of buffered messages waiting for id to register.
func (d *Dispatcher) PendingLen(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	if q, has := d.pendingChannels.Peek(id); has {
		n += q.Len()
	}
	if msgs, has := d.pendingProcesses.Peek(id); has {
		n += len(msgs)
	}
	return n
}

// Close stops the loop, closes the listener and every connection.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	loopDone := d.loopDone
	running := d.running
	close(d.closing)
	d.mu.Unlock()

	err := d.listener.Close()
	if running && loopDone != nil {
		<-loopDone
	}
	d.closeActive()
	return multierr.Combine(err, d.conns.Close())
}
