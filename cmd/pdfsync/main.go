package main

import (
	"os"

	"github.com/Dancode-188/pdfsync/server/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
