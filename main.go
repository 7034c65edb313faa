// The main package for the foolvault executable.
package main

import (
	"github.com/hexpair/foolvault/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
