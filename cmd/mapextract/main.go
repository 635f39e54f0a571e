// Package main is the entry point for the mapextract binary.
package main

import (
	"fmt"
	"os"

	"github.com/tbellam/mapextract/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mapextract: %v\n", err)
		os.Exit(1)
	}
}
