package main

import (
	"os"

	"github.com/mikeyg42/motionclip/cmd/motionclip/commands"
)

func main() {
	os.Exit(commands.Execute())
}
