package main

import (
	"os"

	"github.com/qabelwerk/blockd/cmd/blockd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
