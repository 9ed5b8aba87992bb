// Command btcp transfers a file over the bTCP reliable transport: one
// endpoint runs `btcp recv`, the other `btcp send`. Both sides read the
// same configuration surface (file, environment, flags).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
