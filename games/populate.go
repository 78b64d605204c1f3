package games

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pgnvault.dev/core/artifact"
	"go.pgnvault.dev/core/recordstore"
)

// Store is read-write access to the record store. It's implemented by
// *pool.Pool, when opened without recordstore.Options.ReadOnly.
type Store interface {
	Query(ctx context.Context, stmt string, args ...interface{}) (recordstore.Result, error)
	Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error)
}

// Resolver of move text. It's implemented by *artifact.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, game artifact.Game) (artifact.Artifact, error)
}

// PopulateReport summarizes a PopulateMoves run.
type PopulateReport struct {
	// Scanned games lacking move text.
	Scanned int
	// Populated games, by the Tier which resolved them.
	Populated map[artifact.Tier]int
	// Empty games which were located, and have no moves.
	Empty int
	// Unavailable games whose moves couldn't be resolved.
	Unavailable int
	// Raced games which were populated concurrently by another writer.
	Raced int
}

// PopulateMoves resolves move text of games which lack it, and writes it to
// the store. Games are scanned in ID order, |batch| at a time. A game's move
// text is written only if it's still NULL: populated move text is never
// overwritten or cleared.
func PopulateMoves(ctx context.Context, store Store, resolver Resolver, batch int) (PopulateReport, error) {
	var report = PopulateReport{Populated: make(map[artifact.Tier]int)}
	var lastID int64
	var started = time.Now()

	if batch <= 0 {
		batch = 100
	}

	for {
		var res, err = store.Query(ctx, populateScan, lastID, batch)
		if err != nil {
			return report, errors.WithMessage(err, "scanning games without moves")
		} else if res.Len() == 0 {
			break
		}

		for i := 0; i != res.Len(); i++ {
			var game = artifact.GameFromResult(res, i)
			lastID = game.ID
			report.Scanned++

			var art, err = resolver.Resolve(ctx, game)
			if errors.Is(err, artifact.ErrUnavailable) {
				report.Unavailable++
				continue
			} else if err != nil {
				return report, err
			} else if art.Empty {
				report.Empty++
				continue
			}

			n, err := store.Exec(ctx, populateUpdate, art.MoveText, game.ID)
			if err != nil {
				return report, errors.WithMessagef(err, "writing moves of game %d", game.ID)
			} else if n == 0 {
				report.Raced++
			} else {
				report.Populated[art.Tier]++
			}
		}

		log.WithFields(log.Fields{
			"scanned":     report.Scanned,
			"unavailable": report.Unavailable,
			"lastID":      lastID,
		}).Info("populating game moves")

		if err = ctx.Err(); err != nil {
			return report, err
		}
	}

	log.WithFields(log.Fields{
		"scanned":     report.Scanned,
		"populated":   report.Populated,
		"empty":       report.Empty,
		"unavailable": report.Unavailable,
		"raced":       report.Raced,
		"duration":    time.Since(started),
	}).Info("finished populating game moves")

	return report, nil
}

const (
	populateScan = `SELECT id, white, black, result, date, moves, source FROM games
		WHERE moves IS NULL AND id > ? ORDER BY id LIMIT ?`
	populateUpdate = `UPDATE games SET moves = ? WHERE id = ? AND moves IS NULL`
)
