package artifact

import (
	"context"

	"github.com/pkg/errors"
	"go.pgnvault.dev/core/recordstore"
)

// Querier executes read queries. It's implemented by *pool.Pool.
type Querier interface {
	Query(ctx context.Context, stmt string, args ...interface{}) (recordstore.Result, error)
}

// SecondaryStore looks up precomputed move text in a smaller, independent
// record store holding the "moves" relation of recordstore.SecondarySchema.
type SecondaryStore struct {
	querier Querier
}

// NewSecondaryStore returns a SecondaryStore which queries through |querier|,
// typically a pool.Pool distinct from that of the primary store.
func NewSecondaryStore(querier Querier) *SecondaryStore {
	return &SecondaryStore{querier: querier}
}

// Lookup the move text of |key|. If the store has no matching row, or the
// matching row has no move text, Lookup returns ("", false, nil).
func (s *SecondaryStore) Lookup(ctx context.Context, key Key) (string, bool, error) {
	var res, err = s.querier.Query(ctx, secondaryLookup, key.White, key.Black, key.Result, key.Date)
	if err != nil {
		return "", false, errors.WithMessage(err, "querying secondary store")
	} else if res.Len() == 0 {
		return "", false, nil
	}
	var moves = res.String(0, "moves")
	return moves, moves != "", nil
}

// Stored dates are normalized as NewKey does, so the secondary store may hold
// "1972-07-11" or "1972/07/11". The (white, black, result) index prefix still
// applies.
const secondaryLookup = `
	SELECT moves FROM moves
	WHERE white = ? AND black = ? AND result = ?
		AND REPLACE(REPLACE(TRIM(date), '-', '.'), '/', '.') = ?
	LIMIT 1`
