// Package main is the entry point for the hypatia CLI.
package main

import (
	"os"

	"github.com/hypatia-ai/hypatia/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
