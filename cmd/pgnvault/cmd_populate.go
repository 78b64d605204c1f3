package main

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pgnvault.dev/core/games"
	mbp "go.pgnvault.dev/core/mainboilerplate"
	"go.pgnvault.dev/core/recordstore"
)

type cmdPopulate struct {
	Batch int `long:"batch" default:"100" description:"Number of games scanned per batch"`
}

func (cmd cmdPopulate) Execute([]string) error {
	mbp.InitLog(Config.Log)

	return runTask("populate moves", func(ctx context.Context) error {
		if err := recordstore.Bootstrap(ctx, Config.Store.Path, recordstore.PrimarySchema); err != nil {
			return errors.WithMessage(err, "bootstrapping store")
		}
		var records, err = openPool(ctx, Config.Store.Path, false)
		if err != nil {
			return err
		}
		defer records.Close(context.Background())

		stack, err := newStack(ctx, records)
		if err != nil {
			return err
		}
		defer stack.close(context.Background())

		report, err := games.PopulateMoves(ctx, records, stack.resolver, cmd.Batch)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"scanned":     report.Scanned,
			"empty":       report.Empty,
			"unavailable": report.Unavailable,
			"raced":       report.Raced,
		}).Info("populated moves")
		return nil
	})
}
