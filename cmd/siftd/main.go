// Package main provides the entry point for the siftd CLI.
package main

import (
	"os"

	"github.com/siftlabs/siftd/cmd/siftd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
