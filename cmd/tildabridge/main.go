// Command tildabridge runs the TiLDA USB bridge on a host, drives the debug
// probe attach sequence, and checks the firmware build configuration.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(newRootCmd()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
