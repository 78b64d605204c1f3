package main

import (
	"context"
	"fmt"
	"os"

	mbp "go.pgnvault.dev/core/mainboilerplate"
)

type cmdMoves struct {
	ID int64 `long:"id" required:"true" description:"ID of the game"`
}

func (cmd cmdMoves) Execute([]string) error {
	mbp.InitLog(Config.Log)

	return runTask("resolve moves", func(ctx context.Context) error {
		var records, err = openPool(ctx, Config.Store.Path, true)
		if err != nil {
			return err
		}
		defer records.Close(context.Background())

		stack, err := newStack(ctx, records)
		if err != nil {
			return err
		}
		defer stack.close(context.Background())

		art, err := stack.resolver.ResolveByID(ctx, cmd.ID)
		if err != nil {
			return err
		}
		if art.Empty {
			fmt.Fprintf(os.Stderr, "game %d has no recorded moves (%s)\n", cmd.ID, art.Tier)
			return nil
		}
		fmt.Fprintln(os.Stdout, art.MoveText)
		fmt.Fprintf(os.Stderr, "resolved from %s\n", art.Tier)
		return nil
	})
}
