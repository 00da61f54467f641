// Package main is the command-line client of the identity coordinator. Each
// invocation is one instance; instances sharing a store file see each
// other's sign-ins and sign-outs.
package main

import (
	"os"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
