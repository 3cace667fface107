package transport

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// defaultOutboxSize is the default number of payloads queued for fan-out.
	defaultOutboxSize = 256

	// defaultSendTimeout bounds a single Deliver call to one peer.
	defaultSendTimeout = 500 * time.Millisecond

	meshServiceName   = "dronenet.Mesh"
	deliverMethodName = "/" + meshServiceName + "/Deliver"
)

// meshServer is the server side of the mesh service.
type meshServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(meshServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(meshServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// meshServiceDesc describes a single unary method carrying one encoded
// protocol message as a BytesValue.
var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: meshServiceName,
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dronenet/mesh.proto",
}

// GRPCOption configures a GRPCTransport.
type GRPCOption func(*GRPCTransport)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *zap.Logger) GRPCOption {
	return func(t *GRPCTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithSendTimeout bounds each per-peer Deliver call.
func WithSendTimeout(d time.Duration) GRPCOption {
	return func(t *GRPCTransport) {
		if d > 0 {
			t.sendTimeout = d
		}
	}
}

// WithPeers seeds the set of peer addresses to fan out to.
func WithPeers(addrs ...string) GRPCOption {
	return func(t *GRPCTransport) {
		for _, a := range addrs {
			t.AddPeer(a)
		}
	}
}

// GRPCTransport implements Transport over gRPC. Each node serves the mesh
// Deliver method; Send fans a payload out to every known peer address from a
// background goroutine. It is safe for concurrent use by multiple goroutines.
type GRPCTransport struct {
	localAddr   string
	inbox       *inbox
	outbox      chan []byte
	sendTimeout time.Duration
	logger      *zap.Logger

	// Known peers: map[peerAddr]struct{}
	peers sync.Map
	// Connection pool: map[peerAddr]*grpc.ClientConn
	connPool sync.Map

	server   *grpc.Server
	listener net.Listener

	// Shutdown coordination
	shutdown   chan struct{}
	shutdownMu sync.Mutex
	wg         sync.WaitGroup
}

// NewGRPCTransport creates a GRPCTransport listening on listenAddr and starts
// its server and fan-out goroutines.
func NewGRPCTransport(listenAddr string, opts ...GRPCOption) (*GRPCTransport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	t := &GRPCTransport{
		localAddr:   listener.Addr().String(),
		inbox:       newInbox(defaultInboxSize),
		outbox:      make(chan []byte, defaultOutboxSize),
		sendTimeout: defaultSendTimeout,
		logger:      zap.NewNop(),
		shutdown:    make(chan struct{}),
		listener:    listener,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.server = grpc.NewServer()
	t.server.RegisterService(&meshServiceDesc, t)

	go func() {
		_ = t.server.Serve(listener)
	}()

	t.wg.Add(1)
	go t.sendLoop()

	return t, nil
}

// LocalAddr returns the address on which this transport listens.
func (t *GRPCTransport) LocalAddr() string {
	return t.localAddr
}

// AddPeer adds addr to the fan-out set. The local address is ignored.
func (t *GRPCTransport) AddPeer(addr string) {
	if addr == "" || addr == t.localAddr {
		return
	}
	if _, loaded := t.peers.LoadOrStore(addr, struct{}{}); !loaded {
		t.logger.Debug("peer address added", zap.String("addr", addr))
	}
}

// RemovePeer drops addr from the fan-out set and closes its connection.
func (t *GRPCTransport) RemovePeer(addr string) {
	t.peers.Delete(addr)
	if val, ok := t.connPool.LoadAndDelete(addr); ok {
		val.(*grpc.ClientConn).Close()
	}
	t.logger.Debug("peer address removed", zap.String("addr", addr))
}

// Peers returns the current fan-out set in sorted order.
func (t *GRPCTransport) Peers() []string {
	var out []string
	t.peers.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Send queues payload for fan-out to every known peer. The radio model is
// broadcast-only, so dest does not narrow the fan-out.
func (t *GRPCTransport) Send(dest uint16, payload []byte) error {
	select {
	case <-t.shutdown:
		return ErrTransportClosed
	default:
	}

	select {
	case t.outbox <- payload:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Receive drains payloads delivered by peers.
func (t *GRPCTransport) Receive() [][]byte {
	return t.inbox.drain()
}

// Dropped returns the number of inbound payloads lost to a full inbox.
func (t *GRPCTransport) Dropped() uint64 {
	return t.inbox.Dropped()
}

// Deliver handles an incoming payload from a peer (implements meshServer).
func (t *GRPCTransport) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	select {
	case <-t.shutdown:
		return nil, ErrTransportClosed
	default:
	}
	if !t.inbox.push(in.GetValue()) {
		t.logger.Debug("inbox full, payload dropped")
	}
	return &emptypb.Empty{}, nil
}

func (t *GRPCTransport) sendLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.shutdown:
			return
		case payload := <-t.outbox:
			t.fanOut(payload)
		}
	}
}

func (t *GRPCTransport) fanOut(payload []byte) {
	var wg sync.WaitGroup
	for _, addr := range t.Peers() {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := t.deliverTo(addr, payload); err != nil {
				t.logger.Debug("deliver failed", zap.String("addr", addr), zap.Error(err))
			}
		}(addr)
	}
	wg.Wait()
}

func (t *GRPCTransport) deliverTo(addr string, payload []byte) error {
	conn, err := t.getOrCreateConn(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.sendTimeout)
	defer cancel()
	return conn.Invoke(ctx, deliverMethodName, wrapperspb.Bytes(payload), new(emptypb.Empty))
}

// getOrCreateConn returns an existing connection from the pool or creates a new one.
// Uses LoadOrStore so that concurrent dials to the same peer keep one connection.
func (t *GRPCTransport) getOrCreateConn(peerAddr string) (*grpc.ClientConn, error) {
	select {
	case <-t.shutdown:
		return nil, ErrTransportClosed
	default:
	}

	if val, ok := t.connPool.Load(peerAddr); ok {
		return val.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(peerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, ErrConnectionFailed
	}

	actual, loaded := t.connPool.LoadOrStore(peerAddr, conn)
	if loaded {
		conn.Close()
		return actual.(*grpc.ClientConn), nil
	}
	return conn, nil
}

// Close shuts down the transport and releases all resources.
// It stops the fan-out goroutine, stops the gRPC server gracefully and closes
// all pooled connections. This method is safe to call multiple times.
func (t *GRPCTransport) Close() error {
	t.shutdownMu.Lock()
	defer t.shutdownMu.Unlock()

	select {
	case <-t.shutdown:
		return nil
	default:
	}

	close(t.shutdown)
	t.wg.Wait()

	// Stop gRPC server gracefully (this also closes the listener)
	if t.server != nil {
		t.server.GracefulStop()
	}

	t.connPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
		t.connPool.Delete(key)
		return true
	})

	return nil
}

// Compile-time check that GRPCTransport implements Transport interface.
var _ Transport = (*GRPCTransport)(nil)
