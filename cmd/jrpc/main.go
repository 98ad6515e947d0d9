package main

import "mini-jsonrpc/cmd/jrpc/cmd"

func main() {
	cmd.Execute()
}
