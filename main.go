// The main package for the feedpipe executable.
package main

import (
	"github.com/JakeFAU/feedpipe/cmd"
)

func main() {
	cmd.Execute()
}
