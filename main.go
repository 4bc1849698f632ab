// The main package for the crawldb executable.
package main

import (
	"github.com/ASUSFX80/Crawl-DB/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
