// Package main is the entry point for the npctl binary.
//
// npctl manages NodePass services that span one or two masters: it encodes
// instance URLs, creates and tears down paired instances, and imports
// services already running on the configured masters.
//
// Usage:
//
//	npctl server add edge --url https://edge:9090/api/v1 --api-key KEY
//	npctl service create nat --public edge --private home ...
//	npctl sync
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/nodepassproject/npctl/internal/cli"
)

func main() {
	// A .env in the working directory may carry NPCTL_* overrides.
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.ErrorMessage(err))
		os.Exit(1)
	}
}
