package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sessamekesh/spanreed-csp/pkg/csp"
	"github.com/sessamekesh/spanreed-csp/pkg/dispatch"
	"github.com/sessamekesh/spanreed-csp/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newDispatcher(t *testing.T, natFix bool) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(dispatch.Config{
		NatFix:     natFix,
		Registerer: prometheus.NewRegistry(),
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
	})
	return d
}

func hostChannel(t *testing.T, d *dispatch.Dispatcher, name string) *csp.Channel {
	t.Helper()
	ch := csp.NewChannel(name)
	host, err := HostChannel(d, ch, HostParams{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		host.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func connect(t *testing.T, d *dispatch.Dispatcher, host *dispatch.Dispatcher, name string) *RemoteChannel {
	t.Helper()
	rc, err := Connect(d, host.Addr(), name, RemoteParams{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return rc
}

func within[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestRemoteWriterToLocalReader(t *testing.T) {
	for _, natFix := range []bool{false, true} {
		t.Run(map[bool]string{false: "direct", true: "natfix"}[natFix], func(t *testing.T) {
			home := newDispatcher(t, false)
			away := newDispatcher(t, natFix)
			ch := hostChannel(t, home, "greetings")
			in := ch.Reader()

			out, err := connect(t, away, home, "greetings").Writer()
			require.NoError(t, err)

			writeErr := make(chan error, 1)
			go func() {
				writeErr <- out.Write("hello")
			}()

			v, err := in.Read()
			require.NoError(t, err)
			assert.Equal(t, "hello", v)
			assert.NoError(t, within(t, writeErr))
		})
	}
}

func TestRemoteReaderFromLocalWriter(t *testing.T) {
	home := newDispatcher(t, false)
	away := newDispatcher(t, false)
	ch := hostChannel(t, home, "numbers")
	out := ch.Writer()

	in, err := connect(t, away, home, "numbers").Reader()
	require.NoError(t, err)

	go func() {
		for i := 1; i <= 3; i++ {
			out.Write(i)
		}
	}()

	for want := 1; want <= 3; want++ {
		v, err := in.Read()
		require.NoError(t, err)
		assert.EqualValues(t, want, v)
	}
}

func TestRemotePoisonReachesEveryone(t *testing.T) {
	home := newDispatcher(t, false)
	away := newDispatcher(t, false)
	ch := hostChannel(t, home, "poisoned")
	localIn := ch.Reader()

	rc := connect(t, away, home, "poisoned")
	in, err := rc.Reader()
	require.NoError(t, err)
	out, err := rc.Writer()
	require.NoError(t, err)

	localErr := make(chan error, 1)
	go func() {
		_, err := localIn.Read()
		localErr <- err
	}()

	require.NoError(t, out.Poison())
	assert.True(t, errors.IsPoison(within(t, localErr)))

	_, err = in.Read()
	assert.True(t, errors.IsPoison(err))
	assert.True(t, errors.IsPoison(out.Write(1)))
}

func TestLastRemoteWriterRetiresLocalReaders(t *testing.T) {
	home := newDispatcher(t, false)
	away := newDispatcher(t, false)
	ch := hostChannel(t, home, "stream")
	in := ch.Reader()

	out, err := connect(t, away, home, "stream").Writer()
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := in.Read()
		readErr <- err
	}()

	require.NoError(t, out.Retire())
	require.NoError(t, out.Retire())
	assert.True(t, errors.IsRetire(within(t, readErr)))
	assert.True(t, errors.IsRetire(out.Write("late")))
}

func TestConnectToUnhostedChannelIsUnavailable(t *testing.T) {
	home := newDispatcher(t, false)
	away := newDispatcher(t, false)
	hostChannel(t, home, "exists")

	_, err := Connect(away, home.Addr(), "missing", RemoteParams{Logger: zaptest.NewLogger(t)})
	var ua *errors.Unavailable
	require.ErrorAs(t, err, &ua)
	assert.Equal(t, "missing", ua.Id)
}

func TestConnectWithinOneDispatcher(t *testing.T) {
	d := newDispatcher(t, false)
	ch := hostChannel(t, d, "local")
	in := ch.Reader()

	out, err := connect(t, d, d, "local").Writer()
	require.NoError(t, err)

	go out.Write([]byte{0xde, 0xad})
	v, err := in.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, v)
}
