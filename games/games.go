// Package games provides typed queries of the game-record store: searches,
// head-to-head records, leaderboards, and tournaments. Listings are served as
// numbered pages through a paging.Executor, and single records through the
// query cache, each with a freshness suited to the query.
package games

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.pgnvault.dev/core/paging"
	"go.pgnvault.dev/core/recordstore"
)

// ErrNotFound is returned by Service.Game for an unknown game ID.
var ErrNotFound = errors.New("game not found")

// Config of a Service.
type Config struct {
	// ListTTL of game searches and single games.
	ListTTL time.Duration
	// HeadToHeadTTL of head-to-head queries, which should be near-real-time.
	HeadToHeadTTL time.Duration
	// AggregateTTL of leaderboards and tournament listings.
	AggregateTTL time.Duration
}

// Service runs typed queries of the store.
type Service struct {
	exec  *paging.Executor
	cache paging.Cache
	cfg   Config
}

// New returns a Service which pages through |exec|, and queries single
// records through |cache|.
func New(exec *paging.Executor, cache paging.Cache, cfg Config) *Service {
	return &Service{exec: exec, cache: cache, cfg: cfg}
}

// Game is a record of the "games" relation.
type Game struct {
	ID       int64
	White    string
	Black    string
	Result   string
	Date     string
	Event    string
	ECO      string
	Opening  string
	WhiteElo int64
	BlackElo int64
	// Moves is nil if the record's move text isn't populated.
	Moves  *string
	Source string
}

// Player is a record of the "players" relation.
type Player struct {
	Name    string
	Games   int64
	Wins    int64
	Losses  int64
	Draws   int64
	PeakElo int64
}

// Tournament is a record of the "tournaments" relation.
type Tournament struct {
	Name      string
	Games     int64
	FirstDate string
	LastDate  string
}

// Page of typed records.
type Page[T any] struct {
	Items      []T
	PageNumber int
	PageSize   int
	// Total number of matching records, if known.
	Total *int64
}

// Filter of a game search. Empty fields don't filter.
type Filter struct {
	// Player matches games where either side is the Player.
	Player string
	White  string
	Black  string
	Event  string
	// ECO matches ECO codes having the prefix (eg, "B9" matches "B90".."B99").
	ECO    string
	Result string
	// DateFrom and DateTo bound game dates, inclusive, as "YYYY.MM.DD".
	DateFrom string
	DateTo   string
}

const gameColumns = `id, white, black, result, date, event, eco, opening, white_elo, black_elo, moves, source`

// SearchGames returns a page of games matching the Filter, most recent first.
func (s *Service) SearchGames(ctx context.Context, f Filter, page, size int) (Page[Game], error) {
	var where, params = f.clauses()
	var stmt = `SELECT ` + gameColumns + ` FROM games` + where + ` ORDER BY date DESC, id DESC`

	return pageOf(ctx, s.exec, paging.Request{
		Statement:    stmt,
		Params:       params,
		PageNumber:   page,
		PageSize:     size,
		IncludeTotal: true,
		TTL:          s.cfg.ListTTL,
	}, gameFromResult)
}

// HeadToHead is the record of games between two players.
type HeadToHead struct {
	// Games between the players, most recent first.
	Games Page[Game]
	// Wins of each player, and Draws.
	WinsA, WinsB, Draws int64
}

// HeadToHead returns games between players |a| and |b|, and their record.
func (s *Service) HeadToHead(ctx context.Context, a, b string, page, size int) (HeadToHead, error) {
	const stmt = `SELECT ` + gameColumns + ` FROM games
		WHERE (white = ? AND black = ?) OR (white = ? AND black = ?)
		ORDER BY date DESC, id DESC`

	var games, err = pageOf(ctx, s.exec, paging.Request{
		Statement:    stmt,
		Params:       []interface{}{a, b, b, a},
		PageNumber:   page,
		PageSize:     size,
		IncludeTotal: true,
		TTL:          s.cfg.HeadToHeadTTL,
	}, gameFromResult)
	if err != nil {
		return HeadToHead{}, err
	}

	const record = `SELECT
		COALESCE(SUM((white = ? AND result = '1-0') OR (black = ? AND result = '0-1')), 0) AS wins_a,
		COALESCE(SUM((white = ? AND result = '1-0') OR (black = ? AND result = '0-1')), 0) AS wins_b,
		COALESCE(SUM(result = '1/2-1/2'), 0) AS draws
		FROM games
		WHERE (white = ? AND black = ?) OR (white = ? AND black = ?)`

	res, err := s.cache.Query(ctx, s.cfg.HeadToHeadTTL, record, a, a, b, b, a, b, b, a)
	if err != nil {
		return HeadToHead{}, errors.WithMessage(err, "querying head-to-head record")
	}
	return HeadToHead{
		Games: games,
		WinsA: res.Int(0, "wins_a"),
		WinsB: res.Int(0, "wins_b"),
		Draws: res.Int(0, "draws"),
	}, nil
}

// TopPlayers returns a page of the leaderboard, ordered on peak rating.
func (s *Service) TopPlayers(ctx context.Context, page, size int) (Page[Player], error) {
	return pageOf(ctx, s.exec, paging.Request{
		Statement: `SELECT name, games, wins, losses, draws, peak_elo FROM players
			ORDER BY peak_elo DESC, games DESC, name`,
		PageNumber:   page,
		PageSize:     size,
		IncludeTotal: true,
		TTL:          s.cfg.AggregateTTL,
	}, func(res recordstore.Result, i int) Player {
		return Player{
			Name:    res.String(i, "name"),
			Games:   res.Int(i, "games"),
			Wins:    res.Int(i, "wins"),
			Losses:  res.Int(i, "losses"),
			Draws:   res.Int(i, "draws"),
			PeakElo: res.Int(i, "peak_elo"),
		}
	})
}

// Tournaments returns a page of tournaments, most recent first.
func (s *Service) Tournaments(ctx context.Context, page, size int) (Page[Tournament], error) {
	return pageOf(ctx, s.exec, paging.Request{
		Statement: `SELECT name, games, first_date, last_date FROM tournaments
			ORDER BY last_date DESC, name`,
		PageNumber:   page,
		PageSize:     size,
		IncludeTotal: true,
		TTL:          s.cfg.AggregateTTL,
	}, func(res recordstore.Result, i int) Tournament {
		return Tournament{
			Name:      res.String(i, "name"),
			Games:     res.Int(i, "games"),
			FirstDate: res.String(i, "first_date"),
			LastDate:  res.String(i, "last_date"),
		}
	})
}

// Game returns the game |id|.
func (s *Service) Game(ctx context.Context, id int64) (Game, error) {
	var res, err = s.cache.Query(ctx, s.cfg.ListTTL,
		`SELECT `+gameColumns+` FROM games WHERE id = ?`, id)
	if err != nil {
		return Game{}, errors.WithMessagef(err, "querying game %d", id)
	} else if res.Len() == 0 {
		return Game{}, ErrNotFound
	}
	return gameFromResult(res, 0), nil
}

func (f Filter) clauses() (string, []interface{}) {
	var conds []string
	var params []interface{}

	var add = func(cond string, args ...interface{}) {
		conds = append(conds, cond)
		params = append(params, args...)
	}
	if f.Player != "" {
		add("(white = ? OR black = ?)", f.Player, f.Player)
	}
	if f.White != "" {
		add("white = ?", f.White)
	}
	if f.Black != "" {
		add("black = ?", f.Black)
	}
	if f.Event != "" {
		add("event = ?", f.Event)
	}
	if f.ECO != "" {
		add("eco LIKE ? ESCAPE '\\'", likeEscaper.Replace(f.ECO)+"%")
	}
	if f.Result != "" {
		add("result = ?", f.Result)
	}
	if f.DateFrom != "" {
		add("date >= ?", f.DateFrom)
	}
	if f.DateTo != "" {
		add("date <= ?", f.DateTo)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), params
}

func pageOf[T any](ctx context.Context, exec *paging.Executor, req paging.Request, fn func(recordstore.Result, int) T) (Page[T], error) {
	var p, err = exec.Page(ctx, req)
	if err != nil {
		return Page[T]{}, err
	}
	var res = p.Result()
	var out = Page[T]{
		Items:      make([]T, 0, res.Len()),
		PageNumber: p.PageNumber,
		PageSize:   p.PageSize,
		Total:      p.Total,
	}
	for i := 0; i != res.Len(); i++ {
		out.Items = append(out.Items, fn(res, i))
	}
	return out, nil
}

func gameFromResult(res recordstore.Result, i int) Game {
	return Game{
		ID:       res.Int(i, "id"),
		White:    res.String(i, "white"),
		Black:    res.String(i, "black"),
		Result:   res.String(i, "result"),
		Date:     res.String(i, "date"),
		Event:    res.String(i, "event"),
		ECO:      res.String(i, "eco"),
		Opening:  res.String(i, "opening"),
		WhiteElo: res.Int(i, "white_elo"),
		BlackElo: res.Int(i, "black_elo"),
		Moves:    res.NullString(i, "moves"),
		Source:   res.String(i, "source"),
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
