// The main package for the harvester executable.
package main

import (
	"github.com/opengovph/dpwh-harvest/cmd"
)

func main() {
	cmd.Execute()
}
