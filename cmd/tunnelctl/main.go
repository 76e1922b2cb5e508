// Command tunnelctl is the cobra-based CLI client of the sshfwd API
// server.
package main

import (
	"fmt"
	"os"

	"github.com/hopwire/sshfwd/internal/cli"
)

func main() {
	root := cli.NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
