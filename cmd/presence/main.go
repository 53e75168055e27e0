package main

import (
	_ "time/tzdata"

	"github.com/coder/presence/cli"
)

func main() {
	var rootCmd cli.RootCmd
	rootCmd.Main()
}
