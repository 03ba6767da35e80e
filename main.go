package main

import (
	"os"

	"github.com/taskgate-org/taskgate/internal/build"
	"github.com/taskgate-org/taskgate/internal/cmd"
)

var version = "dev"

func init() {
	if version != "" {
		build.Version = version
	}
}

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
