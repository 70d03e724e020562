package main

import (
	"os"

	"github.com/drape-ai/drape/cmd/drape/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
