// The main package for the soldcrawl executable.
package main

import (
	"github.com/JakeFAU/sold-listings-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
