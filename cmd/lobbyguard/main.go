package main

import (
	"os"

	"github.com/lobbyguard/lobbyguard/cmd/lobbyguard/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
