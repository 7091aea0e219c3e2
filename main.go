package main

import (
	"os"

	"github.com/humblenginr/forecast_sync/cli"
)

func main() {
	os.Exit(cli.Execute())
}
