package main

import (
	"context"

	mbp "go.pgnvault.dev/core/mainboilerplate"
)

type cmdFetch struct {
	Force bool `long:"force" description:"Retrieve the snapshot even if the store already exists"`
}

func (cmd cmdFetch) Execute([]string) error {
	mbp.InitLog(Config.Log)

	return runTask("fetch snapshot", func(ctx context.Context) error {
		return retrieveSnapshot(ctx, cmd.Force)
	})
}
