// Package main is the single-binary entrypoint for tallyd, the credit
// ledger and streaming-session reconciliation daemon.
package main

import "github.com/tally-network/tallyd/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
