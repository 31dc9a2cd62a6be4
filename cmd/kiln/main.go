package main

import (
	"os"

	"github.com/kilnforge/kiln/internal/cli/commands"
)

var Version = "dev"

func main() {
	os.Exit(commands.Execute(Version))
}
