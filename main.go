// The main package for the maisync executable.
package main

import (
	"github.com/JakeFAU/maimai-sync/cmd"
)

func main() {
	cmd.Execute()
}
