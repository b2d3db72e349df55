// Package main is the entry point of the devbridge CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/jmerkel/devbridge/cmd/devbridge/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	// Best effort: a missing .env is the normal case.
	_ = godotenv.Load()

	rootCmd := commands.NewRootCmd(version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
