// Command expressify-vet reports the expression statements of //expressify:display functions that will be
// routed to the display sink.
package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/PatchLens/go-expressify/expressify"
)

func main() {
	singlechecker.Main(expressify.Analyzer)
}
