package recordstore

import (
	"context"

	"github.com/pkg/errors"
)

// PrimarySchema of the record store. Column types are only ever TEXT and
// INTEGER: go-sqlite3 parses DATE / DATETIME declared columns into time.Time,
// while game dates are partial ("1921.??.??") and must round-trip as text.
const PrimarySchema = `
CREATE TABLE IF NOT EXISTS games (
	id        INTEGER PRIMARY KEY,
	white     TEXT NOT NULL,
	black     TEXT NOT NULL,
	result    TEXT NOT NULL,
	date      TEXT NOT NULL,
	event     TEXT NOT NULL DEFAULT '',
	eco       TEXT NOT NULL DEFAULT '',
	opening   TEXT NOT NULL DEFAULT '',
	white_elo INTEGER,
	black_elo INTEGER,
	moves     TEXT,
	source    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_games_white ON games(white);
CREATE INDEX IF NOT EXISTS idx_games_black ON games(black);
CREATE INDEX IF NOT EXISTS idx_games_event ON games(event);
CREATE INDEX IF NOT EXISTS idx_games_date ON games(date);

CREATE TABLE IF NOT EXISTS players (
	name     TEXT PRIMARY KEY,
	games    INTEGER NOT NULL DEFAULT 0,
	wins     INTEGER NOT NULL DEFAULT 0,
	losses   INTEGER NOT NULL DEFAULT 0,
	draws    INTEGER NOT NULL DEFAULT 0,
	peak_elo INTEGER
);

CREATE TABLE IF NOT EXISTS tournaments (
	name       TEXT PRIMARY KEY,
	games      INTEGER NOT NULL DEFAULT 0,
	first_date TEXT NOT NULL DEFAULT '',
	last_date  TEXT NOT NULL DEFAULT ''
);
`

// SecondarySchema of the smaller store of precomputed move text.
const SecondarySchema = `
CREATE TABLE IF NOT EXISTS moves (
	white  TEXT NOT NULL,
	black  TEXT NOT NULL,
	result TEXT NOT NULL,
	date   TEXT NOT NULL,
	moves  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_moves_key ON moves(white, black, result, date);
`

// Bootstrap creates |schema| in the database at |path|, creating the file
// if it doesn't exist. It's used by tests and by tooling which builds
// stores; serving processes open existing stores read-only.
func Bootstrap(ctx context.Context, path, schema string) error {
	var h, err = Open(ctx, path, Options{})
	if err != nil {
		return err
	}
	defer h.Close()

	if _, err = h.Exec(ctx, schema); err != nil {
		return errors.WithMessage(err, "executing schema")
	}
	return nil
}
