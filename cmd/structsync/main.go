package main

import (
	"os"

	"github.com/caldren/structsync/cmd/structsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
