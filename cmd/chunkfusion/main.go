// Package main provides the entry point for the chunkfusion CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/chunkfusion/cmd/chunkfusion/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
