package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ottolabs/otto/internal/api"
	"github.com/ottolabs/otto/internal/consts"
)

var tokenHwd = &TokenRunner{}

type TokenRunner struct{}

func (r *TokenRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "token",
		Usage:  "Print the control-plane bearer token, creating it on first use",
		Action: r.run,
	}
}

func (r *TokenRunner) run(_ context.Context, _ *cli.Command) error {
	token, err := api.LoadOrCreateToken(consts.InternalAPITokenPath())
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	fmt.Println(token)
	return nil
}
