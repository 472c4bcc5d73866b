package main

import (
	"os"

	"cryptoview/cmd/cryptoview/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
