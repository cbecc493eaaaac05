// Command soundclass trains, runs and inspects audio classifiers offline
// from WAV files.
//
// Usage:
//
//	soundclass [flags] <command> [args]
//
// Commands:
//
//	train     - Train a classifier from a directory of labelled WAV files
//	classify  - Classify WAV files with a saved classifier
//	inspect   - Print the metadata and weights layout of a saved classifier
//	version   - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-sound/cmd/soundclass/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
