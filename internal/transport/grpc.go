package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/agentmesh-dev/agentmesh/internal/discovery"
	"github.com/agentmesh-dev/agentmesh/proto"
)

// GRPC is the multiplexed request/response backend. Each Conn is one
// bidirectional Open stream; heartbeats are DataFrames with Ping set.
type GRPC struct {
	opts Options

	// disc, when non-nil, is served to remote nodes through the mesh
	// service's discovery methods.
	disc discovery.Service
}

// NewGRPC creates the gRPC backend. disc may be nil when this node does
// not host discovery.
func NewGRPC(opts Options, disc discovery.Service) *GRPC {
	return &GRPC{opts: opts.withDefaults(), disc: disc}
}

// Dial opens a stream to the endpoint.
func (g *GRPC) Dial(ctx context.Context, endpoint string) (Conn, error) {
	cc, err := g.dialClient(endpoint)
	if err != nil {
		return nil, err
	}

	// The stream context outlives the dial; it is canceled by Close.
	streamCtx, cancel := context.WithCancel(context.Background())

	openCtx, openCancel := context.WithTimeout(ctx, g.opts.DialTimeout)
	defer openCancel()

	// Force the connection up within the dial timeout before opening
	// the stream on the long-lived context.
	cc.Connect()
	if err := waitReady(openCtx, cc); err != nil {
		cancel()
		_ = cc.Close()
		return nil, err
	}

	stream, err := proto.NewMeshServiceClient(cc).Open(streamCtx)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("open stream to %s: %w", endpoint, err)
	}

	conn := newFrameConn(stream, func() error {
		cancel()
		return cc.Close()
	}, g.opts)
	return conn, nil
}

// DialClient returns a raw mesh service client for unary calls (remote
// discovery). The caller owns the returned close function.
func (g *GRPC) DialClient(endpoint string) (proto.MeshServiceClient, func() error, error) {
	cc, err := g.dialClient(endpoint)
	if err != nil {
		return nil, nil, err
	}
	return proto.NewMeshServiceClient(cc), cc.Close, nil
}

func (g *GRPC) dialClient(endpoint string) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(proto.JSONCodec{})),
	}

	tlsCfg, err := clientTLS(g.opts.TLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	cc, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return cc, nil
}

func waitReady(ctx context.Context, cc *grpc.ClientConn) error {
	for {
		s := cc.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if !cc.WaitForStateChange(ctx, s) {
			return fmt.Errorf("connection not ready: %w", ctx.Err())
		}
	}
}

// Listen starts a gRPC server accepting Open streams.
func (g *GRPC) Listen(ctx context.Context, addr string) (Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(proto.JSONCodec{}),
	}
	tlsCfg, err := serverTLS(g.opts.TLS)
	if err != nil {
		_ = lis.Close()
		return nil, err
	}
	if tlsCfg != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	srv := grpc.NewServer(serverOpts...)
	l := &grpcListener{
		addr:   lis.Addr().String(),
		server: srv,
		accept: make(chan Conn, 16),
		opts:   g.opts,
		disc:   g.disc,
	}
	proto.RegisterMeshServiceServer(srv, l)

	go func() {
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Printf("[Transport] gRPC server error: %v", err)
		}
	}()

	return l, nil
}

type grpcListener struct {
	addr      string
	server    *grpc.Server
	accept    chan Conn
	opts      Options
	disc      discovery.Service
	closeOnce sync.Once
}

func (l *grpcListener) Accept() <-chan Conn { return l.accept }
func (l *grpcListener) Addr() string        { return l.addr }

func (l *grpcListener) Close() error {
	l.closeOnce.Do(func() {
		l.server.GracefulStop()
		close(l.accept)
	})
	return nil
}

// Open handles one inbound stream: the stream is wrapped as a Conn and
// handed to Accept; the handler blocks until the conn closes so the
// stream stays alive.
func (l *grpcListener) Open(stream proto.MeshService_OpenServer) error {
	conn := newFrameConn(stream, func() error { return nil }, l.opts)

	select {
	case l.accept <- conn:
	case <-stream.Context().Done():
		_ = conn.Close()
		return stream.Context().Err()
	}

	select {
	case <-conn.done:
	case <-stream.Context().Done():
		_ = conn.Close()
	}
	return nil
}

func (l *grpcListener) Register(ctx context.Context, req *proto.RegisterRequest) (*proto.RegisterResponse, error) {
	if l.disc == nil {
		return nil, status.Error(codes.Unimplemented, "node does not host discovery")
	}
	return discovery.ServeRegister(ctx, l.disc, req)
}

func (l *grpcListener) Deregister(ctx context.Context, req *proto.DeregisterRequest) (*proto.DeregisterResponse, error) {
	if l.disc == nil {
		return nil, status.Error(codes.Unimplemented, "node does not host discovery")
	}
	if err := l.disc.Deregister(ctx, req.AgentID); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return &proto.DeregisterResponse{Ok: true}, nil
}

func (l *grpcListener) Renew(ctx context.Context, req *proto.RenewRequest) (*proto.RenewResponse, error) {
	if l.disc == nil {
		return nil, status.Error(codes.Unimplemented, "node does not host discovery")
	}
	if err := l.disc.Renew(ctx, req.AgentID); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return &proto.RenewResponse{Ok: true}, nil
}

func (l *grpcListener) Lookup(ctx context.Context, req *proto.LookupRequest) (*proto.LookupResponse, error) {
	if l.disc == nil {
		return nil, status.Error(codes.Unimplemented, "node does not host discovery")
	}
	return discovery.ServeLookup(ctx, l.disc, req)
}

// frameStream is the common shape of both stream directions.
type frameStream interface {
	Send(*proto.DataFrame) error
	Recv() (*proto.DataFrame, error)
}

// frameConn adapts a DataFrame stream to the Conn contract with
// heartbeats and liveness monitoring.
type frameConn struct {
	stream   frameStream
	closeFn  func() error
	opts     Options
	recv     chan []byte
	done     chan struct{}
	writeMu  sync.Mutex
	lastSeen atomic.Int64
	lastSent atomic.Int64
	once     sync.Once
}

func newFrameConn(stream frameStream, closeFn func() error, opts Options) *frameConn {
	c := &frameConn{
		stream:  stream,
		closeFn: closeFn,
		opts:    opts,
		recv:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	c.touch(&c.lastSeen)
	c.touch(&c.lastSent)
	go c.readPump()
	go c.heartbeatLoop()
	return c
}

func (c *frameConn) touch(a *atomic.Int64) { a.Store(time.Now().UnixNano()) }

func (c *frameConn) since(a *atomic.Int64) time.Duration {
	return time.Duration(time.Now().UnixNano() - a.Load())
}

func (c *frameConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.stream.Send(&proto.DataFrame{Data: frame}); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	c.touch(&c.lastSent)
	return nil
}

func (c *frameConn) Recv() <-chan []byte { return c.recv }

func (c *frameConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.closeFn()
	})
	return err
}

func (c *frameConn) readPump() {
	defer close(c.recv)
	for {
		frame, err := c.stream.Recv()
		if err != nil {
			_ = c.Close()
			return
		}
		c.touch(&c.lastSeen)
		if frame.Ping {
			continue
		}
		select {
		case c.recv <- frame.Data:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop sends a ping when the connection has been idle for one
// interval and closes the connection after the miss threshold.
func (c *frameConn) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	deadline := c.opts.HeartbeatInterval * time.Duration(c.opts.MissedThreshold)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.since(&c.lastSeen) > deadline {
				log.Printf("[Transport] heartbeat threshold exceeded, closing connection")
				_ = c.Close()
				return
			}
			if c.since(&c.lastSent) >= c.opts.HeartbeatInterval {
				c.writeMu.Lock()
				err := c.stream.Send(&proto.DataFrame{Ping: true})
				c.writeMu.Unlock()
				if err != nil {
					_ = c.Close()
					return
				}
				c.touch(&c.lastSent)
			}
		}
	}
}
