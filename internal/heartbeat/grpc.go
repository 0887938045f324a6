package heartbeat

// ============================================================================
// gRPC transport
// 職責：讓子行程 Worker 透過 gRPC 雙向串流與排程器交換心跳
//
// 服務定義（oss.v1.Heartbeat）：
//   rpc Now(google.protobuf.Empty) returns (google.protobuf.Duration)
//   rpc Attach(stream StringValue | BoolValue) returns (stream google.protobuf.Empty)
//     (first frame google.protobuf.StringValue, then google.protobuf.BoolValue)
//
// Attach 串流協定：
//   1. Worker 送出第一則訊息 StringValue(worker id)
//   2. 排程器每次心跳送出一則 Empty
//   3. Worker 以 BoolValue(continue) 回覆
//   串流結束即代表 Worker 已離開
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/beaver-oss/internal/clock"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

const (
	serviceName  = "oss.v1.Heartbeat"
	nowMethod    = "/" + serviceName + "/Now"
	attachMethod = "/" + serviceName + "/Attach"
)

// HeartbeatServer is the server API for the oss.v1.Heartbeat service.
type HeartbeatServer interface {
	Now(context.Context, *emptypb.Empty) (*durationpb.Duration, error)
	Attach(grpc.ServerStream) error
}

var heartbeatServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*HeartbeatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Now", Handler: nowHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "oss/v1/heartbeat.proto",
}

func nowHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HeartbeatServer).Now(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: nowMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(HeartbeatServer).Now(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(HeartbeatServer).Attach(stream)
}

// ============================================================================
// Server side
// ============================================================================

// GRPCChannel serves the heartbeat service and implements Channel.
type GRPCChannel struct {
	reg    *registry
	clock  clock.Reader
	server *grpc.Server
	log    zerolog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewGRPCChannel creates the server. Call Serve to start accepting workers.
func NewGRPCChannel(clk clock.Reader, log zerolog.Logger, opts ...grpc.ServerOption) *GRPCChannel {
	c := &GRPCChannel{
		reg:    newRegistry(),
		clock:  clk,
		server: grpc.NewServer(opts...),
		log:    log.With().Str("component", "heartbeat-grpc").Logger(),
	}
	c.server.RegisterService(&heartbeatServiceDesc, c)
	return c
}

// Serve starts serving on lis in the background.
func (c *GRPCChannel) Serve(lis net.Listener) {
	c.mu.Lock()
	c.addr = lis.Addr()
	c.mu.Unlock()

	go func() {
		if err := c.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.log.Error().Err(err).Msg("heartbeat server stopped")
		}
	}()
}

// Listen opens a TCP listener on addr and serves on it.
func (c *GRPCChannel) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	c.Serve(lis)
	return lis.Addr(), nil
}

// Addr is the address workers should dial, nil before Serve.
func (c *GRPCChannel) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *GRPCChannel) Exchange(ctx context.Context, id types.WorkerID) (bool, error) {
	return c.reg.exchange(ctx, id)
}

func (c *GRPCChannel) AwaitAttach(ctx context.Context, id types.WorkerID) error {
	return c.reg.awaitAttach(ctx, id)
}

// Close detaches every worker and stops the server.
func (c *GRPCChannel) Close() error {
	c.reg.close()
	c.server.Stop()
	return nil
}

// Now returns the logical clock as a duration since the clock's zero.
func (c *GRPCChannel) Now(ctx context.Context, _ *emptypb.Empty) (*durationpb.Duration, error) {
	return durationpb.New(time.Duration(c.clock.Now().TotalNanos())), nil
}

// Attach pumps heartbeat requests from the worker's session onto its stream.
func (c *GRPCChannel) Attach(stream grpc.ServerStream) error {
	hello := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	id := types.WorkerID(hello.GetValue())
	if id == "" {
		return status.Error(codes.InvalidArgument, "worker id is required")
	}

	s, err := c.reg.attach(id)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateWorker):
			return status.Error(codes.AlreadyExists, err.Error())
		default:
			return status.Error(codes.Unavailable, err.Error())
		}
	}
	defer c.reg.detach(s)

	log := c.log.With().Str("worker", string(id)).Logger()
	log.Debug().Msg("worker attached")

	ctx := stream.Context()
	for {
		select {
		case ex := <-s.requests:
			if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
				log.Debug().Err(err).Msg("send heartbeat failed")
				return err
			}
			reply := new(wrapperspb.BoolValue)
			if err := stream.RecvMsg(reply); err != nil {
				log.Debug().Err(err).Msg("worker left before replying")
				return nil
			}
			s.answer(ex, reply.GetValue())
		case <-s.gone:
			return nil
		case <-ctx.Done():
			log.Debug().Msg("worker stream closed")
			return nil
		}
	}
}

// ============================================================================
// Client side
// ============================================================================

// GRPCLink is the worker side of a GRPCChannel.
type GRPCLink struct {
	conn     *grpc.ClientConn
	stream   grpc.ClientStream
	cancel   context.CancelFunc
	requests chan struct{}
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	pending bool
	recvErr error
}

// Dial connects to the scheduler at target and attaches as id.
// Insecure transport credentials are used unless opts override them.
func Dial(ctx context.Context, target string, id types.WorkerID, opts ...grpc.DialOption) (*GRPCLink, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}

	// the stream outlives the dial context
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := conn.NewStream(sctx, &heartbeatServiceDesc.Streams[0], attachMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(string(id))); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	l := &GRPCLink{
		conn:     conn,
		stream:   stream,
		cancel:   cancel,
		requests: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.recvLoop()
	return l, nil
}

func (l *GRPCLink) recvLoop() {
	defer close(l.requests)
	for {
		if err := l.stream.RecvMsg(new(emptypb.Empty)); err != nil {
			l.mu.Lock()
			l.recvErr = err
			l.mu.Unlock()
			return
		}
		select {
		case l.requests <- struct{}{}:
		case <-l.done:
			return
		}
	}
}

func (l *GRPCLink) Await(ctx context.Context) error {
	select {
	case _, ok := <-l.requests:
		if !ok {
			l.mu.Lock()
			err := l.recvErr
			l.mu.Unlock()
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %v", ErrChannelClosed, err)
			}
			return ErrChannelClosed
		}
		l.mu.Lock()
		l.pending = true
		l.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *GRPCLink) Now(ctx context.Context) (types.ClockTime, error) {
	out := new(durationpb.Duration)
	if err := l.conn.Invoke(ctx, nowMethod, &emptypb.Empty{}, out); err != nil {
		return types.ClockTime{}, err
	}
	d := out.AsDuration()
	if d < 0 {
		d = 0
	}
	return types.ClockFromNanos(uint64(d)), nil
}

func (l *GRPCLink) Reply(ctx context.Context, continueRunning bool) error {
	l.mu.Lock()
	if !l.pending {
		l.mu.Unlock()
		return ErrNoRequest
	}
	l.pending = false
	l.mu.Unlock()

	return l.stream.SendMsg(wrapperspb.Bool(continueRunning))
}

// Close ends the stream. The scheduler sees the worker as gone.
func (l *GRPCLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		_ = l.stream.CloseSend()
		l.cancel()
		err = l.conn.Close()
	})
	return err
}
