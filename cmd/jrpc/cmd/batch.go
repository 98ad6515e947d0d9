package cmd

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mini-jsonrpc/client"
	"mini-jsonrpc/rpcerror"
)

type batchEntry struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type batchOutput struct {
	Method string          `json:"method"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  any             `json:"error,omitempty"`
}

var batchCmd = &cobra.Command{
	Use:   "batch <file|->",
	Short: "sends a batch read from a JSON file and prints the results in request order",
	Long: `The input is a JSON array of {"method": ..., "params": ...} objects.
Ids are assigned by jrpc. Results are printed in the order of the input,
whatever order the peer answered in.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := readBatch(cmd, args[0])
		if err != nil {
			return err
		}

		calls := make([]client.BatchCall, len(entries))
		for i, e := range entries {
			calls[i] = client.BatchCall{Method: e.Method}
			if len(e.Params) > 0 {
				calls[i].Params = e.Params
			}
		}

		conn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		results, err := conn.CallBatch(cmd.Context(), calls)
		if err != nil {
			return err
		}

		out := make([]batchOutput, len(results))
		for i, res := range results {
			out[i].Method = entries[i].Method
			if res.Err != nil {
				if rpcErr, ok := rpcerror.RPCErrorOf(res.Err); ok {
					out[i].Error = rpcErr
				} else {
					out[i].Error = res.Err.Error()
				}
				continue
			}
			out[i].Result = res.Value
		}
		return printJSON(cmd, out)
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
}

func readBatch(cmd *cobra.Command, name string) ([]batchEntry, error) {
	var r io.Reader = cmd.InOrStdin()
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var entries []batchEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "batch input must be a JSON array of {method, params}")
	}
	return entries, nil
}
