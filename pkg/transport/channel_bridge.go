package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-csp/pkg/csp"
	csperrors "github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	utils "github.com/sessamekesh/spanreed-csp/pkg/util"
	"go.uber.org/zap"
)

type ChannelBridgeParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	Logger *zap.Logger
}

// ChannelBridge exposes channels to WebSocket clients. Every connection joins
// the inbound channel as a writer and the outbound channel as a reader. Binary
// frames from the client are written to inbound; values read from outbound are
// sent back as binary frames.
type ChannelBridge struct {
	upgrader *websocket.Upgrader
	params   ChannelBridgeParams

	inbound  *csp.Channel
	outbound *csp.Channel

	mut_connections sync.Mutex
	connections     map[string]*bridgeConn

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

type bridgeConn struct {
	conn *websocket.Conn
	done *csp.Channel
}

func checkOrigin(r *http.Request, params ChannelBridgeParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

// CreateChannelBridge builds a bridge. Either channel may be nil, but not both.
func CreateChannelBridge(inbound, outbound *csp.Channel, params ChannelBridgeParams) (*ChannelBridge, error) {
	if inbound == nil && outbound == nil {
		return nil, &csperrors.MissingFieldError{
			MessageName: "ChannelBridge",
			FieldName:   "inbound/outbound",
		}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}

	return &ChannelBridge{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:   params,
		inbound:  inbound,
		outbound: outbound,

		mut_connections: sync.Mutex{},
		connections:     make(map[string]*bridgeConn),

		log:       logger.With(zap.String("handler", "ChannelBridge")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

// ConnectionCount returns the number of live WebSocket connections.
func (b *ChannelBridge) ConnectionCount() int {
	b.mut_connections.Lock()
	defer b.mut_connections.Unlock()
	return len(b.connections)
}

func (b *ChannelBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tag := b.stringGen.GetRandomString(6)
	log := b.log.With(zap.String("wsConnId", tag))

	log.Info("New WebSocket request")
	c, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if b.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(b.params.MaxReadMessageSize)
	}

	// done is poisoned when either direction stops; both loops alternate on it.
	done := csp.NewChannel("")
	stop := done.Reader()

	b.mut_connections.Lock()
	b.connections[tag] = &bridgeConn{conn: c, done: done}
	b.mut_connections.Unlock()
	defer func() {
		b.mut_connections.Lock()
		delete(b.connections, tag)
		b.mut_connections.Unlock()
	}()

	var in *csp.WriterEnd
	if b.inbound != nil {
		in = b.inbound.Writer()
		defer in.Retire()
	}
	var out *csp.ReaderEnd
	if b.outbound != nil {
		out = b.outbound.Reader()
		defer out.Retire()
	}

	wg := sync.WaitGroup{}

	if out != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.channelToSocket(log, c, stop, out)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.socketToChannel(log, c, stop, in)
	}()

	wg.Wait()
	log.Info("WebSocket connection finished")
}

func closeNormal(c *websocket.Conn, reason string) {
	c.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	c.Close()
}

func (b *ChannelBridge) socketToChannel(log *zap.Logger, c *websocket.Conn, stop *csp.ReaderEnd, in *csp.WriterEnd) {
	defer stop.Poison()

	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, err := c.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, expectedCloseErrors...):
				log.Info("Received close request from client")
			case errors.Is(err, net.ErrClosed):
				log.Info("Connection closed locally")
			default:
				log.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}

		if msgType != websocket.BinaryMessage {
			log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}
		if in == nil {
			log.Debug("No inbound channel, dropping frame", zap.Int("size", len(payload)))
			continue
		}

		_, _, err = csp.PriSelect(stop.Guard(nil), in.Guard(payload, nil))
		if err != nil {
			if stop.Channel().IsPoisoned() {
				return
			}
			log.Info("Inbound channel closed, closing connection", zap.Error(err))
			closeNormal(c, "channel closed")
			return
		}
	}
}

func (b *ChannelBridge) channelToSocket(log *zap.Logger, c *websocket.Conn, stop *csp.ReaderEnd, out *csp.ReaderEnd) {
	for {
		idx, v, err := csp.PriSelect(stop.Guard(nil), out.Guard(nil))
		if err != nil {
			if stop.Channel().IsPoisoned() {
				return
			}
			log.Info("Outbound channel closed, closing connection", zap.Error(err))
			closeNormal(c, "channel closed")
			return
		}
		if idx == 0 {
			return
		}

		frame, err := frameOf(v)
		if err != nil {
			log.Error("Failed to encode outbound value", zap.Error(err))
			continue
		}
		if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			log.Warn("WebSocket write failed", zap.Error(err))
			stop.Poison()
			c.Close()
			return
		}
	}
}

// frameOf sends byte slices verbatim and CBOR-encodes anything else.
func frameOf(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return message.Value(v).Bytes()
}

// Close ends every live connection. The ends each connection joined are
// retired as it finishes.
func (b *ChannelBridge) Close() {
	b.mut_connections.Lock()
	defer b.mut_connections.Unlock()
	for _, bc := range b.connections {
		bc.done.Poison()
		closeNormal(bc.conn, "bridge closed")
	}
}

// Start serves the bridge on ListenAddress until ctx is cancelled.
func (b *ChannelBridge) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle(b.params.ListenEndpoint, b)

	server := &http.Server{
		Addr:    b.params.ListenAddress,
		Handler: mux,
	}

	wg := sync.WaitGroup{}
	var serveErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()

		b.log.Sugar().Infof("Starting WebSocket bridge at %s", b.params.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			b.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			serveErr = err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		b.log.Info("Attempting to trigger shutdown of WebSocket bridge")

		if err := server.Shutdown(shutdownCtx); err != nil {
			b.log.Error("Failed to gracefully shut down WebSocket bridge", zap.Error(err))
		}
		b.Close()
	}()

	wg.Wait()
	b.log.Info("WebSocket bridge stopped")
	return serveErr
}

// ServeChannelBridge creates a bridge over inbound and outbound and serves it
// until ctx is cancelled.
func ServeChannelBridge(ctx context.Context, inbound, outbound *csp.Channel, params ChannelBridgeParams) error {
	b, err := CreateChannelBridge(inbound, outbound, params)
	if err != nil {
		return err
	}
	return b.Start(ctx)
}
