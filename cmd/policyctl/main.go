package main

import (
	"fmt"
	"os"

	"github.com/xela07ax/treasury-guard/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
