// The main package for the contract-harvester executable.
package main

import (
	"github.com/JakeFAU/contract-harvester/cmd"
)

func main() {
	cmd.Execute()
}
