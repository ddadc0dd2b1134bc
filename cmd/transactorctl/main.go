// Command transactorctl talks to a transactor from the shell: it finds and
// edits documents, follows live queries, and manages the key-value store
// and service tokens.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "transactorctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
