// The main package for the distcrawl executable.
package main

import (
	"github.com/JakeFAU/distcrawl/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
