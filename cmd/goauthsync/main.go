package main

import (
	"os"

	"github.com/MrEthical07/goAuthSync/cmd/goauthsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
