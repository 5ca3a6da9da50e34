// Package main is the entry point for the brickkit CLI binary.
package main

import (
	"os"

	cli "brickkit/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
