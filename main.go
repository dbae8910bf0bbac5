// The main package for the croc executable.
package main

import (
	"github.com/JakeFAU/croc/cmd"
)

func main() {
	cmd.Execute()
}
