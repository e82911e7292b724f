// Package main provides the entry point for metsim.
// metsim models the integrity-metadata layout of protected memory and the
// Merkle-tree metadata cache that keeps it consistent.
//
// For the full CLI, use: go run ./cmd/metsim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("metsim - integrity-tree metadata cache model")
	fmt.Println("Built on the Akita cache components")
	fmt.Println("")
	fmt.Println("Usage: metsim [options]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -config    Path to metcache configuration (JSON or YAML)")
	fmt.Println("  -trace     Path to a request trace to replay")
	fmt.Println("  -v         Log verbosity")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/metsim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/metsim' instead.")
	}
}
