package main

import (
	"os"

	"github.com/travisgalloway/caw/cmd/caw/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
