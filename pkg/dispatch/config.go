package dispatch

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"go.uber.org/zap"
)

const (
	DefaultTickInterval       = 10 * time.Second
	DefaultPendingMaxIds      = 1024
	DefaultPendingMaxMessages = 64
)

type Config struct {
	// Host and Port of the listening socket. An empty host binds the loopback
	// interface, a zero port picks a free one.
	Host string
	Port uint16

	// TickInterval is the longest the dispatch loop waits before ticking
	// every registered queue.
	TickInterval time.Duration
	TimeoutTicks int

	// Messages for ids nobody has registered yet are buffered in bounded
	// caches. PendingMaxIds caps the number of ids, PendingMaxMessages the
	// messages kept per id.
	PendingMaxIds      int
	PendingMaxMessages int

	// MaxPayloadSize caps the payload a peer may announce in one frame. A
	// larger frame is a protocol error and stops the dispatch loop. Defaults
	// to transport.DefaultMaxPayloadSize.
	MaxPayloadSize int

	// NatFix asks peers to reply over the connection a request was sent on
	// instead of dialing back.
	NatFix bool

	MagicNumber uint32
	Version     uint8

	// OnPeerDisconnect, when set, is called from the dispatch loop after an
	// inbound connection was reset or closed by the peer. It must not block.
	OnPeerDisconnect func(remote net.Addr)

	Registerer prometheus.Registerer
	Clock      clock.Clock
	Logger     *zap.Logger
}

func (c Config) tickInterval() time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	return DefaultTickInterval
}

func (c Config) timeoutTicks() int {
	if c.TimeoutTicks > 0 {
		return c.TimeoutTicks
	}
	return DefaultTimeoutTicks
}

func (c Config) pendingMaxIds() int {
	if c.PendingMaxIds > 0 {
		return c.PendingMaxIds
	}
	return DefaultPendingMaxIds
}

func (c Config) pendingMaxMessages() int {
	if c.PendingMaxMessages > 0 {
		return c.PendingMaxMessages
	}
	return DefaultPendingMaxMessages
}

func (c Config) serializer() message.HeaderSerializer {
	s := message.DefaultHeaderSerializer()
	if c.MagicNumber != 0 {
		s.MagicNumber = c.MagicNumber
	}
	if c.Version > 0 {
		s.Version = c.Version
	}
	return s
}
