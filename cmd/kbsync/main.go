// Command kbsync mirrors a local Markdown tree into a Gemini File Search
// store.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !jsonOutput {
			printError("%v", err)
		}
		os.Exit(1)
	}
}
