package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/config"
	"github.com/gear6io/polycall/server/loader"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"github.com/gear6io/polycall/server/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRoutesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect and edit routing rules",
		Long: `List the routing rules of a running server, or edit the rules kept in the
configured store. Stored rules are loaded by the next serve.`,
	}
	cmd.AddCommand(
		newRoutesListCommand(opts),
		newRoutesAddCommand(opts),
		newRoutesRemoveCommand(opts),
	)
	return cmd
}

func newRoutesListCommand(opts *globalOptions) *cobra.Command {
	var stored bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List routing rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !stored {
				client, err := newClient(opts)
				if err != nil {
					return err
				}
				defer client.Close()

				data, err := client.System(commandContext(cmd), "routes")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), data)
			}

			s, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			rules, err := s.LoadRules(commandContext(cmd))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tSOURCE\tTARGET")
			for _, r := range rules {
				fmt.Fprintf(w, "%d\t%s\t%s\n", r.Priority, r.SourcePattern, r.TargetEndpoint)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&stored, "stored", false, "read the store instead of a running server")
	return cmd
}

func newRoutesAddCommand(opts *globalOptions) *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "add <source-prefix> <target-endpoint>",
		Short: "Store a routing rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			rule := bridge.RoutingRule{SourcePattern: args[0], TargetEndpoint: args[1], Priority: priority}
			if err := s.SaveRule(commandContext(cmd), rule); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s -> %s (priority %d)\n", rule.SourcePattern, rule.TargetEndpoint, rule.Priority)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher priorities are tried first")
	return cmd
}

func newRoutesRemoveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source-prefix> <target-endpoint>",
		Short: "Remove a stored routing rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeleteRule(commandContext(cmd), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func openStore(cmd *cobra.Command, opts *globalOptions) (*store.Store, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" || cfg.Store.Path == store.MemoryPath {
		return nil, errors.New(config.ErrStoreNotConfigured, "no persistent store is configured", nil)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, errors.New(loader.ErrStoreDirFailed, "failed to create store directory", err).
			AddContext("path", cfg.Store.Path)
	}
	return store.Open(commandContext(cmd), cfg.Store.Path, zerolog.Nop())
}
