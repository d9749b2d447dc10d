package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-dev/agentmesh/agent"
	"github.com/agentmesh-dev/agentmesh/internal/retry"
)

type fakeConn struct {
	recv   chan []byte
	sent   [][]byte
	mu     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{recv: make(chan []byte, 16)}
}

func (f *fakeConn) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeConn) Recv() <-chan []byte { return f.recv }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.recv)
	}
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fails int
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("connection refused")
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more conns")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func fastOpts() Options {
	return Options{
		Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1},
	}
}

func TestConnect_RetryCeilingSurfacesTransportUnavailable(t *testing.T) {
	d := &fakeDialer{fails: 100}

	_, err := Connect(context.Background(), d, "nowhere:1", fastOpts(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrTransportUnavailable)
	assert.Equal(t, 3, d.dials)
}

func TestConnect_RetriesThenSucceeds(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{fails: 2, conns: []*fakeConn{c}}

	p, err := Connect(context.Background(), d, "peer:1", fastOpts(), nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, 3, d.dials)

	c.recv <- []byte("frame-1")
	select {
	case frame := <-p.Recv():
		assert.Equal(t, []byte("frame-1"), frame)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestReconnect_RecvSurvives(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first, second}}

	p, err := Connect(context.Background(), d, "peer:1", fastOpts(), nil)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	first.recv <- []byte("before")
	assert.Equal(t, []byte("before"), <-p.Recv())

	// Kill the first connection; the supervisor should dial again and
	// keep the same Recv channel.
	_ = first.Close()

	second.recv <- []byte("after")
	select {
	case frame := <-p.Recv():
		assert.Equal(t, []byte("after"), frame)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered after reconnect")
	}
	assert.Equal(t, 2, d.dials)
}

func TestReconnect_RunsHandshake(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first, second}}

	handshakes := make(chan Conn, 2)
	onConnect := func(c Conn) error {
		handshakes <- c
		return nil
	}

	p, err := Connect(context.Background(), d, "peer:1", fastOpts(), onConnect)
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	// The handshake runs on the initial connection too.
	assert.Equal(t, Conn(first), <-handshakes)

	_ = first.Close()

	select {
	case c := <-handshakes:
		assert.Equal(t, Conn(second), c)
	case <-time.After(time.Second):
		t.Fatal("handshake not run on reconnect")
	}
}

func TestReconnect_HandshakeFailureTerminates(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first, second}}

	attempts := 0
	onConnect := func(Conn) error {
		attempts++
		if attempts > 1 {
			return errors.New("auth refused")
		}
		return nil
	}

	p, err := Connect(context.Background(), d, "peer:1", fastOpts(), onConnect)
	require.NoError(t, err)

	_ = first.Close()

	// Recv closes when the reconnect handshake fails.
	select {
	case _, ok := <-p.Recv():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("recv did not close")
	}
	assert.ErrorIs(t, p.Err(), agent.ErrTransportUnavailable)
}

func TestReconnect_ExhaustionClosesRecv(t *testing.T) {
	first := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first}, fails: 0}

	p, err := Connect(context.Background(), d, "peer:1", fastOpts(), nil)
	require.NoError(t, err)

	d.mu.Lock()
	d.fails = 100
	d.mu.Unlock()

	_ = first.Close()

	select {
	case _, ok := <-p.Recv():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("recv did not close")
	}
	assert.ErrorIs(t, p.Err(), agent.ErrTransportUnavailable)

	err = p.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, agent.ErrTransportUnavailable)
}

func TestClose_Idempotent(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{c}}

	p, err := Connect(context.Background(), d, "peer:1", fastOpts(), nil)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestNew_ProtocolSelection(t *testing.T) {
	tr, err := New(ProtocolGRPC, Options{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &GRPC{}, tr)

	tr, err = New(ProtocolWebSocket, Options{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebSocket{}, tr)

	tr, err = New("", Options{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &GRPC{}, tr)

	_, err = New("carrier-pigeon", Options{}, nil)
	assert.Error(t, err)
}
