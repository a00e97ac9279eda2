package main

import (
	"os"

	"github.com/thalesfsp/greenguard/cmd/greenguard/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
