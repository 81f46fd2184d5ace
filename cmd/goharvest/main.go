// Package main is the goharvest entrypoint.
package main

import (
	"os"

	"github.com/JakeFAU/goharvest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
