// The main package for the sitemirror executable.
package main

import (
	"github.com/JakeFAU/sitemirror/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
