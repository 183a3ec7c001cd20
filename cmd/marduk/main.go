// Command marduk runs the cognitive coordination core: a context-aware query
// coordinator, typed memory subsystems, a prioritized task manager, and the
// worker channel that connects subsystem workers.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
