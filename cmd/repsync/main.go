// Package main is the repsync command line client.
//
// The engine itself lives in internal/; this binary wires it together for
// use from a terminal: read config, open the local store, build the
// per-entity services and the sync processor, run one subcommand.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "repsync:", err)
		os.Exit(1)
	}
}
