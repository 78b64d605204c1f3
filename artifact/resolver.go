// Package artifact resolves the move text of a game through ordered tiers of
// increasing cost:
//
//  1. The "moves" column of the game's primary store record.
//  2. An in-memory Cache, keyed on the game's natural Key.
//  3. A secondary store of precomputed move text.
//  4. Extraction from the archive segment the record came from. Successful
//     extractions back-fill the Cache, so that a repeat resolution of the
//     game is served by tier 2.
//
// The first tier producing non-empty move text wins, and later tiers are not
// consulted. A Resolver distinguishes a game which has no recorded moves
// (an Artifact which is Empty) from a failure to produce its moves
// (ErrUnavailable).
package artifact

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pgnvault.dev/core/metrics"
	"go.pgnvault.dev/core/recordstore"
)

var (
	// ErrUnavailable is returned when no tier produced the game's move text.
	ErrUnavailable = errors.New("artifact unavailable")
	// ErrNoSuchGame is returned by ResolveByID for an unknown game ID.
	ErrNoSuchGame = errors.New("no such game")
)

// Tier which served an Artifact.
type Tier int

const (
	TierNone Tier = iota
	TierPrimary
	TierCache
	TierSecondary
	TierExtraction
)

// String returns the name of the Tier.
func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierCache:
		return "cache"
	case TierSecondary:
		return "secondary"
	case TierExtraction:
		return "extraction"
	default:
		return "none"
	}
}

// Game is the identity of a game to resolve.
type Game struct {
	// ID of the game within the primary store.
	ID int64
	// Key of the game.
	Key Key
	// Moves column of the primary store record, which is nil if NULL.
	Moves *string
	// Source is the archive segment the record came from, relative to the
	// archive root. It's empty if the provenance of the game is unknown.
	Source string
}

// Artifact is the resolved move text of a game.
type Artifact struct {
	MoveText string
	// Tier which produced the Artifact.
	Tier Tier
	// Empty is true if the game was located, but has no recorded moves.
	Empty bool
}

// Secondary is a tier 3 lookup of precomputed move text.
// It's implemented by *SecondaryStore.
type Secondary interface {
	Lookup(ctx context.Context, key Key) (moves string, ok bool, err error)
}

// Extractor reconstructs move text of |key| from archive |segment|.
// It returns an empty string if the game is located but has no moves, and an
// error if it isn't located. It's implemented by *archive.Extractor.
type Extractor interface {
	Extract(ctx context.Context, segment string, key Key) (string, error)
}

// Tiers of a Resolver. Any of Secondary, Extractor, and Records may be nil,
// in which case that tier (or ResolveByID) is unavailable.
type Tiers struct {
	// Cache is tier 2. It's required.
	Cache *Cache
	// Secondary is tier 3.
	Secondary Secondary
	// Extractor is tier 4.
	Extractor Extractor
	// Records queries the primary store to load games for ResolveByID.
	Records Querier
}

// Resolver resolves the move text of games.
type Resolver struct {
	tiers Tiers
}

// NewResolver returns a Resolver over the given Tiers.
func NewResolver(tiers Tiers) *Resolver {
	if tiers.Cache == nil {
		panic("artifact.Resolver requires a Cache")
	}
	return &Resolver{tiers: tiers}
}

// Resolve the move text of |game|.
func (r *Resolver) Resolve(ctx context.Context, game Game) (Artifact, error) {
	var art, err = r.resolve(ctx, game)

	if err != nil {
		metrics.ArtifactResolutionsTotal.WithLabelValues("unavailable").Inc()
	} else {
		metrics.ArtifactResolutionsTotal.WithLabelValues(art.Tier.String()).Inc()
	}
	return art, err
}

func (r *Resolver) resolve(ctx context.Context, game Game) (Artifact, error) {
	// Tier 1.
	if game.Moves != nil && *game.Moves != "" {
		return Artifact{MoveText: *game.Moves, Tier: TierPrimary}, nil
	}
	// Tier 2.
	if moves, ok := r.tiers.Cache.Get(game.Key); ok && moves != "" {
		return Artifact{MoveText: moves, Tier: TierCache}, nil
	}

	var lastErr error

	// Tier 3. Hits are not copied into the Cache.
	if r.tiers.Secondary != nil {
		if moves, ok, err := r.tiers.Secondary.Lookup(ctx, game.Key); err != nil {
			log.WithFields(log.Fields{
				"id":  game.ID,
				"key": game.Key,
				"err": err,
			}).Warn("secondary artifact lookup failed")
			lastErr = err
		} else if ok {
			return Artifact{MoveText: moves, Tier: TierSecondary}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, errors.WithMessage(ErrUnavailable, err.Error())
	}

	// Tier 4.
	if r.tiers.Extractor != nil && game.Source != "" {
		if moves, err := r.tiers.Extractor.Extract(ctx, game.Source, game.Key); err != nil {
			log.WithFields(log.Fields{
				"id":     game.ID,
				"key":    game.Key,
				"source": game.Source,
				"err":    err,
			}).Debug("artifact extraction failed")
			lastErr = err
		} else if moves == "" {
			return Artifact{Tier: TierExtraction, Empty: true}, nil
		} else {
			r.tiers.Cache.Put(game.Key, moves)
			return Artifact{MoveText: moves, Tier: TierExtraction}, nil
		}
	}

	if lastErr != nil {
		return Artifact{}, errors.WithMessage(ErrUnavailable, lastErr.Error())
	}
	return Artifact{}, ErrUnavailable
}

// ResolveByID loads the game |id| from the primary store, and resolves it.
func (r *Resolver) ResolveByID(ctx context.Context, id int64) (Artifact, error) {
	if r.tiers.Records == nil {
		return Artifact{}, errors.New("artifact.Resolver has no Records querier")
	}
	var res, err = r.tiers.Records.Query(ctx, GameQuery, id)
	if err != nil {
		return Artifact{}, errors.WithMessagef(err, "loading game %d", id)
	} else if res.Len() == 0 {
		return Artifact{}, ErrNoSuchGame
	}
	return r.Resolve(ctx, GameFromResult(res, 0))
}

// GameQuery selects the columns of a game required by GameFromResult.
const GameQuery = `SELECT id, white, black, result, date, moves, source FROM games WHERE id = ?`

// GameFromResult builds a Game from row |i| of |res|, which must have
// columns "id", "white", "black", "result", "date", "moves", and "source".
func GameFromResult(res recordstore.Result, i int) Game {
	return Game{
		ID: res.Int(i, "id"),
		Key: NewKey(
			res.String(i, "white"),
			res.String(i, "black"),
			res.String(i, "result"),
			res.String(i, "date"),
		),
		Moves:  res.NullString(i, "moves"),
		Source: res.String(i, "source"),
	}
}
