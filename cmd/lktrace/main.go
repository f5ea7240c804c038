// Command lktrace is the supervisor CLI: it forks the target with the
// interceptor preloaded and waits for every traced process to finish
// before exiting.
package main

import (
	"os"

	"github.com/georgehodgkins/lktrace/cmd/lktrace/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
