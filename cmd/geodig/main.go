package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "geodig:", err)
		osExit(exitCode(err))
	}
}

// For CLI unit tests.
var osExit = os.Exit
