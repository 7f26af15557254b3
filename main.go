package main

import (
	"os"

	"github.com/caravelhq/caravel/cli"
)

func main() {
	os.Exit(cli.Execute())
}
