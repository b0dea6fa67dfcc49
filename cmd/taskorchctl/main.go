// Command taskorchctl is the operator CLI for a taskorchd deployment:
// it runs pending migrations, inspects queue depth, and lists active
// locks directly against the configured store, without going through
// the HTTP transport.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taskorchctl: %v\n", err)
		os.Exit(1)
	}
}
