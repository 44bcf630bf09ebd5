package transport

import (
	goerrs "errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/sessamekesh/spanreed-csp/internal"
	"github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"go.uber.org/zap"
)

const DefaultMaxPayloadSize = 16 << 20

type ConnHandlerParams struct {
	Serializer  message.HeaderSerializer
	DialTimeout time.Duration
	// Frames announcing a larger payload are rejected before it is read.
	MaxPayloadSize int

	Logger *zap.Logger
}

// ConnHandler owns the stream sockets used to reach peers. Outbound
// connections are cached per address and reused.
type ConnHandler struct {
	params     ConnHandlerParams
	serializer message.HeaderSerializer
	conns      *internal.ConnStore

	log *zap.Logger
}

func CreateConnHandler(params ConnHandlerParams) *ConnHandler {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.DialTimeout <= 0 {
		params.DialTimeout = 5 * time.Second
	}
	if params.MaxPayloadSize <= 0 {
		params.MaxPayloadSize = DefaultMaxPayloadSize
	}
	serializer := params.Serializer
	if serializer.MagicNumber == 0 {
		serializer = message.DefaultHeaderSerializer()
	}

	return &ConnHandler{
		params:     params,
		serializer: serializer,
		conns:      internal.CreateConnStore(),
		log:        logger.With(zap.String("handler", "ConnHandler")),
	}
}

func (h *ConnHandler) Serializer() message.HeaderSerializer {
	return h.serializer
}

func hostPort(addr message.Addr) string {
	return net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port)))
}

// StartServer binds a listening socket. An empty host binds the loopback
// interface and a zero port picks a free one; the returned Addr is the bound
// address.
func (h *ConnHandler) StartServer(host string, port uint16) (net.Listener, message.Addr, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", hostPort(message.Addr{Host: host, Port: port}))
	if err != nil {
		return nil, message.Addr{}, err
	}

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, message.Addr{}, fmt.Errorf("unexpected listener address %s", ln.Addr())
	}

	bound := message.Addr{Host: host, Port: uint16(tcpAddr.Port)}
	h.log.Info("Started server", zap.Stringer("addr", bound))
	return ln, bound, nil
}

// Dial opens a connection that is not cached.
func (h *ConnHandler) Dial(addr message.Addr) (net.Conn, error) {
	return net.DialTimeout("tcp", hostPort(addr), h.params.DialTimeout)
}

func (h *ConnHandler) connect(addr message.Addr) (net.Conn, error) {
	key := addr.String()
	if conn, err := h.conns.GetConn(key); err == nil {
		return conn, nil
	}

	conn, err := h.Dial(addr)
	if err != nil {
		return nil, err
	}
	if replaced := h.conns.PutConn(key, conn, false); replaced != nil {
		replaced.Close()
	}
	h.log.Debug("Opened connection", zap.String("addr", key))
	return conn, nil
}

// Send transmits header and payload to addr and returns the connection used.
// A write on a stale cached connection is retried once on a fresh one.
func (h *ConnHandler) Send(addr message.Addr, header message.Header, payload message.Payload) (net.Conn, error) {
	m := message.New(header, payload)
	frame, err := m.Encode(h.serializer)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		conn, err := h.connect(addr)
		if err != nil {
			return nil, err
		}
		if _, err = conn.Write(frame); err == nil {
			return conn, nil
		}

		h.conns.RemoveConn(addr.String(), conn)
		conn.Close()
		if attempt > 0 {
			return nil, err
		}
		h.log.Debug("Write on cached connection failed, reconnecting", zap.String("addr", addr.String()), zap.Error(err))
	}
}

// UpdateCache makes conn the path used for future sends to addr.
func (h *ConnHandler) UpdateCache(addr message.Addr, conn net.Conn) {
	key := addr.String()
	if replaced := h.conns.PutConn(key, conn, true); replaced != nil {
		h.log.Debug("Replaced cached connection with reverse path", zap.String("addr", key))
	}
}

// Forget drops conn from the cache without closing it.
func (h *ConnHandler) Forget(conn net.Conn) {
	h.conns.ForgetConn(conn)
}

// CloseIdle closes outbound connections unused for longer than maxIdle.
func (h *ConnHandler) CloseIdle(maxIdle time.Duration) int {
	closed := 0
	for _, addr := range h.conns.GetIdleConnList(time.Now().Add(-maxIdle).UnixMicro()) {
		conn, err := h.conns.GetConn(addr)
		if err != nil {
			continue
		}
		if h.conns.RemoveConn(addr, conn) {
			conn.Close()
			closed++
		}
	}
	return closed
}

func (h *ConnHandler) Close() error {
	return h.conns.CloseAll()
}

// RecvAll reads until n bytes arrived or the connection fails. The bytes read
// so far are returned with the error.
func RecvAll(conn io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(conn, buf)
	return buf[:got], err
}

// IsDisconnect reports whether err means the peer went away in an orderly
// fashion (reset, EOF, or a locally closed socket).
func IsDisconnect(err error) bool {
	return goerrs.Is(err, io.EOF) ||
		goerrs.Is(err, syscall.ECONNRESET) ||
		goerrs.Is(err, syscall.EPIPE) ||
		goerrs.Is(err, net.ErrClosed)
}

// ReadMessage reads one frame from conn. A header that arrives in pieces is
// completed before parsing; one that stays short is an Underflow.
func (h *ConnHandler) ReadMessage(conn net.Conn) (*message.Message, error) {
	buf := make([]byte, message.HeaderLen)
	got, err := conn.Read(buf)
	if got == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}

	if got < message.HeaderLen {
		rest, restErr := RecvAll(conn, message.HeaderLen-got)
		copy(buf[got:], rest)
		got += len(rest)
		if got < message.HeaderLen {
			if restErr != nil && !goerrs.Is(restErr, io.ErrUnexpectedEOF) && !goerrs.Is(restErr, io.EOF) {
				return nil, restErr
			}
			return nil, &errors.Underflow{
				MessageName: "Header",
				MsgSize:     got,
				MinimumSize: message.HeaderLen,
			}
		}
	}

	header, err := h.serializer.Parse(buf)
	if err != nil {
		return nil, err
	}

	m := message.New(*header, message.Payload{})
	if header.Cmd.Has(message.Flag_HasPayload) {
		if header.Arg > uint64(h.params.MaxPayloadSize) {
			return nil, &errors.PayloadTooLarge{
				Id:      header.Id,
				Size:    header.Arg,
				MaxSize: h.params.MaxPayloadSize,
			}
		}
		payload, err := RecvAll(conn, int(header.Arg))
		if err != nil {
			if len(payload) < int(header.Arg) && (goerrs.Is(err, io.ErrUnexpectedEOF) || goerrs.Is(err, io.EOF)) {
				return nil, &errors.Underflow{
					MessageName: "Payload",
					MsgSize:     len(payload),
					MinimumSize: int(header.Arg),
				}
			}
			return nil, err
		}
		m.Payload = message.Raw(payload)
	}
	if header.Cmd.Has(message.Flag_NatFix) {
		m.NatFix = conn
	}

	return m, nil
}
