package main

import (
	"fmt"
	"os"

	"github.com/quikcov/quikcov/cmd/quikcov/app"
)

func main() {
	if err := app.NewQuikcovCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
