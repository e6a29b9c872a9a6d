package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ireznice/travis-worker/internal/workercli"
)

func main() {
	if err := workercli.Run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(workercli.ExitCode(err))
	}
}
