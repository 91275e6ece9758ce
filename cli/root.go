package cli

import (
	"context"
	"time"

	"github.com/gear6io/polycall/pkg/sdk"
	"github.com/gear6io/polycall/server"
	"github.com/gear6io/polycall/server/config"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags every subcommand sees
type globalOptions struct {
	configFile string
	addr       string
	timeout    time.Duration
	verbose    bool
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "polycall",
		Short: "Call functions across language runtimes and processes",
		Long: `polycall runs an invocation core that dispatches calls to functions
registered by language bridges (Go and WebAssembly) and forwards calls to
functions living in other processes over gRPC.`,
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", config.DefaultConfigFile, "configuration file")
	flags.StringVar(&opts.addr, "addr", sdk.DefaultAddr, "server address for client commands")
	flags.DurationVar(&opts.timeout, "timeout", config.DEFAULT_CALL_TIMEOUT, "per-call timeout for client commands")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newCallCommand(opts),
		newSystemCommand(opts),
		newRoutesCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

// ExecuteWithContext runs the root command with ctx available to every
// subcommand
func ExecuteWithContext(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// loadConfig reads the configuration file. A missing default file falls
// back to the built-in defaults; a missing file named on the command line
// is an error.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configFile)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && isMissingFile(err) {
		return config.LoadDefaultConfig(), nil
	}
	return nil, err
}

func newClient(opts *globalOptions) (*sdk.Client, error) {
	return sdk.NewClient(&sdk.Options{
		Addr:        []string{opts.addr},
		CallTimeout: opts.timeout,
		Logger:      newZapLogger(opts.verbose),
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
