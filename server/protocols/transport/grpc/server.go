package grpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName  = "polycall.Bridge"
	InvokeMethod = "/" + ServiceName + "/Invoke"

	DefaultAddress = "127.0.0.1:7431"
)

// invoker is the service implementation type checked by RegisterService
type invoker interface {
	invoke(ctx context.Context, msg *bridge.Message) (*bridge.Message, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*invoker)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "polycall/bridge",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(bridge.Message)
	if err := dec(in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if interceptor == nil {
		return srv.(invoker).invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(invoker).invoke(ctx, req.(*bridge.Message))
	})
}

type ServerOptions struct {
	Address string
	Logger  zerolog.Logger
	// ServerOptions are appended after the codec option
	ServerOptions []grpc.ServerOption
}

// Server answers polycall.Bridge/Invoke with a bridge.Handler
type Server struct {
	handler bridge.Handler
	address string
	logger  zerolog.Logger
	server  *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	started  time.Time
}

func NewServer(handler bridge.Handler, opts ServerOptions) *Server {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	s := &Server{
		handler: handler,
		address: opts.Address,
		logger:  opts.Logger.With().Str("component", "grpc-server").Logger(),
	}

	serverOpts := append([]grpc.ServerOption{grpc.ForceServerCodec(messageCodec{})}, opts.ServerOptions...)
	s.server = grpc.NewServer(serverOpts...)
	s.server.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) invoke(ctx context.Context, msg *bridge.Message) (*bridge.Message, error) {
	resp := s.handler.HandleMessage(ctx, msg)
	if resp == nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Error(codes.Internal, "handler returned no response")
	}
	return resp, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return errors.New(ErrListenFailed, "failed to listen", err).
			AddContext("address", s.address)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New(errors.FFIInvalidState, "server already started", nil)
	}
	s.listener = lis
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info().Str("address", lis.Addr().String()).Msg("Starting bridge gRPC server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error().Err(err).Msg("gRPC server stopped with error")
		}
	}()
	return nil
}

// Addr is the bound address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop drains in-flight calls until ctx expires, then closes every
// connection
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping bridge gRPC server")

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
		<-done
	}
	s.wg.Wait()

	s.logger.Info().Msg("Bridge gRPC server stopped")
	return nil
}

func (s *Server) GetStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := map[string]interface{}{
		"address": s.address,
		"running": s.listener != nil,
	}
	if s.listener != nil {
		info["address"] = s.listener.Addr().String()
		info["uptime"] = time.Since(s.started).String()
	}
	return info
}
