// superword vectorizes counted loops described in YAML files and checks the
// result against the scalar loop on a reference interpreter.
package main

import (
	"fmt"
	"os"
)

const versionString = "superword 0.3.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
