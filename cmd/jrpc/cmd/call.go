package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"mini-jsonrpc/rpcerror"
)

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "sends one request and prints its result",
	Example: `  jrpc call eth_blockNumber
  jrpc call eth_getBalance '["0x407d73d8a49eeb85d32cf465507dd71d507100c1","latest"]'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params json.RawMessage
		if len(args) == 2 {
			params = json.RawMessage(args[1])
		}

		conn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		result, err := conn.Call(cmd.Context(), args[0], params)
		if err != nil {
			if rpcErr, ok := rpcerror.RPCErrorOf(err); ok {
				return printJSON(cmd, map[string]any{"error": rpcErr})
			}
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
