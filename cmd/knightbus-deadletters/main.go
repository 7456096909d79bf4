// Command knightbus-deadletters inspects and maintains the dead-letter
// tables of the postgres and sqlite queue transports.
package main

import (
	"os"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
