package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ottolabs/otto/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "otto",
		Usage: "Otto, the personal assistant job kernel",
		Commands: []*cli.Command{
			serveHwd.cmd(),
			tokenHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}
