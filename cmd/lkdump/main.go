// Command lkdump is the analyzer CLI: it parses a trace file and dumps
// per-thread streams, the merged global timeline, and discovered
// lock/condvar patterns.
package main

import (
	"os"

	"github.com/georgehodgkins/lktrace/cmd/lkdump/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
