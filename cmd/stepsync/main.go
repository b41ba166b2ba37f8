// Command stepsync tracks project progress and synchronizes it with a
// SQLite or Redis backing store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/stepsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "stepsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
