package main

import (
	"os"

	"sipher/cmd/sipher/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
