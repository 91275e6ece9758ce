package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gear6io/polycall/server"
	"github.com/gear6io/polycall/server/config"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the polycall server",
		Long: `Run the invocation core with the bridges, routes and remote functions
named in the configuration file, and answer calls over gRPC until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Protocol.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if opts.verbose {
				cfg.Log.Level = "debug"
			}

			logger, closer, err := config.SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to create server")
				return err
			}
			if err := srv.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("Server failed")
				_ = srv.Shutdown(context.Background())
				return err
			}

			if addr := srv.Addr(); addr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "polycall %s listening on %s\n", server.Version, addr)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "polycall %s running with the protocol listener disabled\n", server.Version)
			}

			<-ctx.Done()
			logger.Info().Msg("Shutting down polycall server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DEFAULT_SHUTDOWN_TIMEOUT)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Error during shutdown")
				return err
			}
			logger.Info().Msg("Server stopped gracefully")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.PROTOCOL_SERVER_PORT, "protocol port, 0 picks a free one")
	return cmd
}
