// The main package for the meerkat executable.
package main

import (
	"github.com/JakeFAU/meerkat/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
