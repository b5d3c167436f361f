// Package main is the entry point for the vx11 CLI.
package main

import (
	"os"

	"github.com/vx11/vx11/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
