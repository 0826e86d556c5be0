package main

import (
	"os"

	"github.com/mnemokit/mnemo/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		// Cobra has already printed the error.
		os.Exit(1)
	}
}
