// Command caresync runs the offline-first record sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/caresync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
