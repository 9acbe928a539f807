// Command cdpshell drives a Chromium browser over the DevTools protocol
// from the command line.
package main

import (
	"context"
	"os"
)

func main() {
	gs := newGlobalState(context.Background())
	os.Exit(newRootCommand(gs).execute())
}
