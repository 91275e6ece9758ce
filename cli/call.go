package cli

import (
	"fmt"

	"github.com/gear6io/polycall/pkg/sdk"
	"github.com/spf13/cobra"
)

func newCallCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "call <language> <function> [type:value ...]",
		Short: "Call a function on a running server",
		Long: `Call a function registered with a language bridge of a running server.
Arguments are written as type:value, for example int32:42 or
string:hello; a bare word is a string. The result is printed as JSON.`,
		Example: `  polycall call go echo hello
  polycall call wasm add int32:2 int32:3`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := sdk.ParseArgs(args[2:])
			if err != nil {
				return err
			}

			client, err := newClient(opts)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Call(commandContext(cmd), args[0], args[1], values...)
			if err != nil {
				return err
			}
			out, err := sdk.FormatValue(result)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func newSystemCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "system <command>",
		Short: "Run a system command on a running server",
		Long: `Run /system/{command} on a running server and print the JSON reply.
Built-in commands are ping, functions, routes, languages,
local_functions and stats.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			defer client.Close()

			data, err := client.System(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}
