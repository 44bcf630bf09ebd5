package transport

import (
	"net"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/sessamekesh/spanreed-csp/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testHandler(t *testing.T) *ConnHandler {
	h := CreateConnHandler(ConnHandlerParams{Logger: zap.NewNop()})
	t.Cleanup(func() {
		h.Close()
	})
	return h
}

func encode(t *testing.T, h message.Header, p message.Payload) []byte {
	frame, err := message.New(h, p).Encode(message.DefaultHeaderSerializer())
	require.NoError(t, err)
	return frame
}

func TestReadMessageCompletesShortHeaderReads(t *testing.T) {
	h := testHandler(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	frame := encode(t, message.Header{Cmd: message.Cmd_ChanThreadPostWrite, Id: "ch", SourceId: "src"}, message.Raw([]byte("abc")))
	go func() {
		client.Write(frame[:10])
		client.Write(frame[10:message.HeaderLen])
		client.Write(frame[message.HeaderLen:])
	}()

	m, err := h.ReadMessage(server)
	require.NoError(t, err)
	assert.Equal(t, "ch", m.Header.Id)
	assert.Equal(t, "src", m.Header.SourceId)
	b, err := m.Payload.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), b)
	assert.Nil(t, m.NatFix)
}

func TestReadMessageHeaderStaysShort(t *testing.T) {
	h := testHandler(t)
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		client.Write(make([]byte, 20))
		client.Close()
	}()

	_, err := h.ReadMessage(server)
	var uf *errors.Underflow
	require.ErrorAs(t, err, &uf)
	assert.Equal(t, 20, uf.MsgSize)
	assert.True(t, errors.IsFatal(err))
	assert.False(t, IsDisconnect(err))
}

func TestReadMessageCleanCloseIsADisconnect(t *testing.T) {
	h := testHandler(t)
	client, server := net.Pipe()
	defer server.Close()
	client.Close()

	_, err := h.ReadMessage(server)
	assert.True(t, IsDisconnect(err))
}

func TestReadMessageKeepsNatFixConnection(t *testing.T) {
	h := testHandler(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	frame := encode(t, message.Header{Cmd: message.Cmd_ChanThreadEnter | message.Flag_NatFix, Id: "ch"}, message.Payload{})
	go client.Write(frame)

	m, err := h.ReadMessage(server)
	require.NoError(t, err)
	assert.Same(t, server, m.NatFix)
}

func TestReadMessageRejectsHugePayloadLength(t *testing.T) {
	h := testHandler(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	hdr, err := message.DefaultHeaderSerializer().Serialize(&message.Header{
		Cmd: message.Cmd_ChanThreadPostWrite | message.Flag_HasPayload,
		Id:  "ch",
		Arg: 1 << 63,
	})
	require.NoError(t, err)
	go client.Write(hdr)

	var m *message.Message
	require.NotPanics(t, func() {
		m, err = h.ReadMessage(server)
	})
	assert.Nil(t, m)
	var tl *errors.PayloadTooLarge
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, "ch", tl.Id)
	assert.Equal(t, uint64(1<<63), tl.Size)
	assert.Equal(t, DefaultMaxPayloadSize, tl.MaxSize)
	assert.True(t, errors.IsFatal(err))
}

func TestReadMessageHonoursConfiguredPayloadLimit(t *testing.T) {
	h := CreateConnHandler(ConnHandlerParams{Logger: zap.NewNop(), MaxPayloadSize: 8})
	defer h.Close()

	read := func(payload []byte) (*message.Message, error) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()
		go client.Write(encode(t, message.Header{Cmd: message.Cmd_ChanThreadPostWrite, Id: "ch"}, message.Raw(payload)))
		return h.ReadMessage(server)
	}

	m, err := read([]byte("12345678"))
	require.NoError(t, err)
	b, err := m.Payload.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), b)

	_, err = read([]byte("123456789"))
	var tl *errors.PayloadTooLarge
	require.ErrorAs(t, err, &tl)
	assert.Equal(t, uint64(9), tl.Size)
	assert.Equal(t, 8, tl.MaxSize)
}

func TestRecvAllReturnsPartialBytes(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		client.Write([]byte("xy"))
		client.Close()
	}()

	got, err := RecvAll(server, 5)
	assert.Error(t, err)
	assert.Equal(t, []byte("xy"), got)
}

func TestStartServerDefaultsToLoopback(t *testing.T) {
	h := testHandler(t)
	ln, addr, err := h.StartServer("", 0)
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, "127.0.0.1", addr.Host)
	assert.NotZero(t, addr.Port)
}

func TestSendReusesCachedConnectionAndRecovers(t *testing.T) {
	h := testHandler(t)
	ln, addr, err := h.StartServer("", 0)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	hdr := message.Header{Cmd: message.Cmd_ChanThreadPostRead, Id: "ch"}
	c1, err := h.Send(addr, hdr, message.Payload{})
	require.NoError(t, err)
	c2, err := h.Send(addr, hdr, message.Payload{})
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	server := <-accepted
	for i := 0; i < 2; i++ {
		m, err := h.ReadMessage(server)
		require.NoError(t, err)
		assert.Equal(t, "ch", m.Header.Id)
	}

	// A locally closed cached connection is replaced on the next send.
	c1.Close()
	c3, err := h.Send(addr, hdr, message.Payload{})
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)

	select {
	case server2 := <-accepted:
		m, err := h.ReadMessage(server2)
		require.NoError(t, err)
		assert.Equal(t, "ch", m.Header.Id)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
}

func TestUpdateCacheRoutesOverReverseConnection(t *testing.T) {
	h := testHandler(t)
	client, server := net.Pipe()
	defer client.Close()

	peer := message.Addr{Host: "10.0.0.1", Port: 9}
	h.UpdateCache(peer, server)

	go h.Send(peer, message.Header{Cmd: message.Cmd_ChanThreadAck | message.Flag_IsReply, Id: "g"}, message.Payload{})

	m, err := testHandler(t).ReadMessage(client)
	require.NoError(t, err)
	assert.Equal(t, "g", m.Header.Id)

	h.Forget(server)
	assert.Zero(t, h.CloseIdle(0))
}

func TestCloseIdleClosesUnusedConnections(t *testing.T) {
	h := testHandler(t)
	_, server := net.Pipe()
	h.UpdateCache(message.Addr{Host: "10.0.0.2", Port: 1}, server)

	assert.Zero(t, h.CloseIdle(time.Hour))
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, 1, h.CloseIdle(time.Millisecond))
}
