// Command intelvault runs the threat intelligence API server and its
// administrative commands. With no arguments it serves.
package main

import (
	"os"

	"intelvault/cmd"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"serve"}
	}
	if err := cmd.Execute(args); err != nil {
		os.Exit(1)
	}
}
