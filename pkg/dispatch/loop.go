package dispatch

import (
	"net"

	"github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"github.com/sessamekesh/spanreed-csp/pkg/transport"
	"go.uber.org/zap"
)

func (d *Dispatcher) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.closing:
			default:
				d.log.Error("Accept failed, no longer accepting connections", zap.Error(err))
			}
			return
		}

		select {
		case d.accepted <- conn:
		case <-d.closing:
			conn.Close()
			return
		}
	}
}

// readConn feeds every frame read from conn to the loop. It stops after the
// first error.
func (d *Dispatcher) readConn(conn net.Conn) {
	for {
		m, err := d.conns.ReadMessage(conn)
		select {
		case d.frames <- frame{conn: conn, msg: m, err: err}:
		case <-d.closing:
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *Dispatcher) activate(conn net.Conn) {
	if _, has := d.active[conn]; has {
		return
	}
	d.active[conn] = struct{}{}
	go d.readConn(conn)
}

// drop closes conn without reporting a peer disconnect.
func (d *Dispatcher) drop(conn net.Conn) {
	if conn == nil {
		return
	}
	delete(d.active, conn)
	d.conns.Forget(conn)
	conn.Close()
}

func (d *Dispatcher) disconnect(conn net.Conn) {
	if _, has := d.active[conn]; !has {
		conn.Close()
		return
	}
	d.drop(conn)
	d.metrics.disconnects.Inc()

	if d.config.OnPeerDisconnect != nil {
		d.config.OnPeerDisconnect(conn.RemoteAddr())
	}
}

func (d *Dispatcher) tick() {
	d.metrics.loopTicks.Inc()

	d.mu.Lock()
	queues := make([]*QueueBuffer, 0, len(d.channels)+len(d.guards))
	for _, q := range d.channels {
		queues = append(queues, q)
	}
	for _, q := range d.guards {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.TimeoutTick()
	}
}

func (d *Dispatcher) stopLoop(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	if err != nil && d.err == nil {
		d.err = err
	}
}

// run is the dispatch loop. At most one instance runs at a time; it exits on
// an honored shutdown, on Close, or on a fatal error.
func (d *Dispatcher) run(done chan struct{}) {
	defer close(done)
	d.log.Debug("Dispatch loop started")

	interval := d.config.tickInterval()
	for {
		timer := d.clock.Timer(interval)

		select {
		case <-d.closing:
			timer.Stop()
			d.stopLoop(nil)
			d.log.Debug("Dispatch loop closed")
			return

		case conn := <-d.accepted:
			timer.Stop()
			d.activate(conn)

		case f := <-d.frames:
			timer.Stop()
			if exit := d.handleFrame(f); exit {
				return
			}

		case <-timer.C:
			d.tick()
		}
	}
}

// handleFrame processes one inbound frame and reports whether the loop has
// stopped.
func (d *Dispatcher) handleFrame(f frame) bool {
	if f.err != nil {
		if transport.IsDisconnect(f.err) {
			d.log.Debug("Peer disconnected", zap.Stringer("remote", f.conn.RemoteAddr()), zap.Error(f.err))
			d.disconnect(f.conn)
			return false
		}

		d.log.Error("Fatal socket error, stopping dispatch loop", zap.Error(f.err))
		if errors.IsFatal(f.err) {
			d.metrics.protocolViolations.Inc()
		}
		d.disconnect(f.conn)
		d.stopLoop(f.err)
		return true
	}

	r := message.Classify(&f.msg.Header)
	switch r.Kind {
	case message.Kind_Ping:
		d.mu.Lock()
		add := d.activeAdd
		d.activeAdd = nil
		d.mu.Unlock()
		for _, conn := range add {
			d.activate(conn)
		}
		return false

	case message.Kind_Shutdown:
		// The shutdown request arrives on a loop-back connection of our own.
		d.drop(f.conn)

		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.emptyLocked() {
			d.log.Debug("Ignoring shutdown, registry still busy")
			return false
		}
		d.running = false
		d.log.Debug("Dispatch loop stopped")
		return true

	case message.Kind_NONE:
		return false
	}

	if err := d.route(f.msg, r); err != nil {
		d.log.Error("Failed to route message", zap.Stringer("msg", f.msg), zap.Error(err))
	}
	return false
}

func (d *Dispatcher) closeActive() {
	for conn := range d.active {
		conn.Close()
		delete(d.active, conn)
	}
	d.mu.Lock()
	add := d.activeAdd
	d.activeAdd = nil
	d.mu.Unlock()
	for _, conn := range add {
		conn.Close()
	}
}
