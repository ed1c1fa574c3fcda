// Command clawloop runs tool-using conversational agents from the terminal.
package main

import (
	"os"

	"github.com/harun/clawloop/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
