package server

import (
	"context"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/config"
	"github.com/gear6io/polycall/server/ffi/registry"
	"github.com/gear6io/polycall/server/ffi/types"
	"github.com/gear6io/polycall/server/loader"
	grpctransport "github.com/gear6io/polycall/server/protocols/transport/grpc"
	"github.com/rs/zerolog"
)

// Version is stamped at build time
var Version = "dev"

// Server owns the loaded core and the gRPC listener that exposes its
// protocol bridge
type Server struct {
	config     *config.Config
	logger     zerolog.Logger
	loader     *loader.Loader
	grpcServer *grpctransport.Server
	startTime  time.Time
}

// New loads every component cfg enables. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	l, err := loader.NewLoader(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		loader:    l,
		startTime: time.Now(),
	}

	if nb := l.Native(); nb != nil {
		if err := registerBuiltins(nb); err != nil {
			_ = l.Close(ctx)
			return nil, err
		}
	}

	if cfg.Protocol.Enabled {
		s.grpcServer = grpctransport.NewServer(l.Protocol(), grpctransport.ServerOptions{
			Address: cfg.GetProtocolAddress(),
			Logger:  logger,
		})
	}
	return s, nil
}

type functionRegistrar interface {
	RegisterFunction(name string, handle any, sig *types.Signature, flags registry.Flags) error
}

// registerBuiltins makes a fresh process answer something over the wire
// before any application function is registered
func registerBuiltins(r functionRegistrar) error {
	builtins := []struct {
		name   string
		handle any
		sig    *types.Signature
	}{
		{"version", func() string { return Version }, types.SignatureOf(types.TagString)},
		{"echo", func(s string) string { return s }, types.SignatureOf(types.TagString, types.TagString)},
	}
	for _, b := range builtins {
		if err := r.RegisterFunction(b.name, b.handle, b.sig, registry.FlagThreadSafe); err != nil {
			return errors.AsError(err).AddContext("builtin", b.name)
		}
	}
	return nil
}

// Start starts the protocol listener if enabled
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Str("version", Version).Msg("Starting polycall server...")

	if s.grpcServer != nil {
		if err := s.grpcServer.Start(ctx); err != nil {
			return err
		}
	}

	s.logger.Info().
		Bool("protocol_enabled", s.config.Protocol.Enabled).
		Str("protocol_address", s.Addr()).
		Strs("languages", s.loader.Dispatcher().Languages()).
		Msg("Server started")
	return nil
}

// Addr is the bound protocol address, empty when the protocol is disabled
func (s *Server) Addr() string {
	if s.grpcServer == nil {
		return ""
	}
	return s.grpcServer.Addr()
}

// Shutdown stops accepting calls, drains in-flight ones until ctx expires
// and then closes the core
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server...")

	if s.grpcServer != nil {
		if err := s.grpcServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error stopping protocol server")
		}
	}

	if err := s.loader.Close(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error closing core components")
		return err
	}

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

func (s *Server) Loader() *loader.Loader { return s.loader }

// GetUptime returns the server uptime
func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// GetStatus returns the server status
func (s *Server) GetStatus() map[string]interface{} {
	status := map[string]interface{}{
		"version":    Version,
		"uptime":     s.GetUptime().String(),
		"start_time": s.startTime,
		"core":       s.loader.GetStatus(),
	}
	if s.grpcServer != nil {
		status["protocol"] = s.grpcServer.GetStatus()
	}
	return status
}
