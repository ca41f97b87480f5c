// Command sqlgate is a human-approved SQL gateway for LLM agents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dicklesworthstone/sqlgate/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sqlgate:", err)
		os.Exit(cli.ExitCode(err))
	}
}
