package main

import (
	"os"

	"github.com/adforge/adforge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
