// Package main provides the entry point for the printfleet daemon.
package main

import (
	"fmt"
	"os"

	"github.com/openfab/printfleet/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
