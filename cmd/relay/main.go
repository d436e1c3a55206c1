// Command relay runs instruction pipeline scenarios and inspects journals.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/relay/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
