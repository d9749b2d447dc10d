package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-dev/agentmesh/proto"
)

type fakeFrameStream struct {
	in      chan *proto.DataFrame
	mu      sync.Mutex
	sent    []*proto.DataFrame
	closed  bool
	inOnce  sync.Once
}

func newFakeFrameStream() *fakeFrameStream {
	return &fakeFrameStream{in: make(chan *proto.DataFrame, 16)}
}

// closeIn unblocks Recv the way a canceled stream context would.
func (s *fakeFrameStream) closeIn() error {
	s.inOnce.Do(func() { close(s.in) })
	return nil
}

func (s *fakeFrameStream) Send(f *proto.DataFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeFrameStream) Recv() (*proto.DataFrame, error) {
	f, ok := <-s.in
	if !ok {
		return nil, errors.New("stream closed")
	}
	return f, nil
}

func (s *fakeFrameStream) pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.sent {
		if f.Ping {
			n++
		}
	}
	return n
}

func hbOpts(interval time.Duration, threshold int) Options {
	return Options{
		HeartbeatInterval: interval,
		MissedThreshold:   threshold,
	}.withDefaults()
}

func TestFrameConn_FiltersHeartbeats(t *testing.T) {
	stream := newFakeFrameStream()
	conn := newFrameConn(stream, stream.closeIn, hbOpts(time.Minute, 3))
	defer func() { _ = conn.Close() }()

	stream.in <- &proto.DataFrame{Ping: true}
	stream.in <- &proto.DataFrame{Data: []byte("payload")}

	select {
	case frame := <-conn.Recv():
		assert.Equal(t, []byte("payload"), frame)
	case <-time.After(time.Second):
		t.Fatal("data frame not delivered")
	}

	select {
	case frame := <-conn.Recv():
		t.Fatalf("unexpected frame %q", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFrameConn_SendsHeartbeatWhenIdle(t *testing.T) {
	stream := newFakeFrameStream()
	conn := newFrameConn(stream, stream.closeIn, hbOpts(15*time.Millisecond, 100))
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return stream.pings() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestFrameConn_ClosesAfterMissedHeartbeats(t *testing.T) {
	stream := newFakeFrameStream()
	conn := newFrameConn(stream, stream.closeIn, hbOpts(10*time.Millisecond, 2))

	// No inbound traffic at all: the liveness monitor should close the
	// connection once the threshold elapses.
	select {
	case _, ok := <-conn.Recv():
		if ok {
			t.Fatal("unexpected frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after missed heartbeats")
	}
}

func TestFrameConn_InboundTrafficKeepsAlive(t *testing.T) {
	stream := newFakeFrameStream()
	conn := newFrameConn(stream, stream.closeIn, hbOpts(20*time.Millisecond, 2))
	defer func() { _ = conn.Close() }()

	// Keep feeding pings; the connection must stay open well past the
	// miss deadline.
	stop := time.After(150 * time.Millisecond)
feed:
	for {
		select {
		case <-stop:
			break feed
		case <-time.After(10 * time.Millisecond):
			stream.in <- &proto.DataFrame{Ping: true}
		}
	}

	select {
	case _, ok := <-conn.Recv():
		if !ok {
			t.Fatal("connection closed despite inbound traffic")
		}
	default:
	}
}
