package games

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.pgnvault.dev/core/artifact"
	"go.pgnvault.dev/core/paging"
	"go.pgnvault.dev/core/pool"
	"go.pgnvault.dev/core/querycache"
	"go.pgnvault.dev/core/recordstore"
)

const fixtureData = `
INSERT INTO games (id, white, black, result, date, event, eco, opening, white_elo, black_elo, moves, source) VALUES
	(1, 'Tal', 'Botvinnik', '1-0', '1960.03.15', 'WCh 1960', 'B18', 'Caro-Kann', 2620, 2610, '1. e4 c6', 'wch1960.pgn'),
	(2, 'Botvinnik', 'Tal', '1/2-1/2', '1960.03.17', 'WCh 1960', 'E69', 'King''s Indian', 2610, 2620, NULL, 'wch1960.pgn'),
	(3, 'Tal', 'Botvinnik', '0-1', '1961.03.15', 'WCh 1961', 'B10', 'Caro-Kann', 2630, 2600, NULL, 'wch1961.pgn'),
	(4, 'Fischer', 'Tal', '1/2-1/2', '1959.09.10', 'Candidates', 'B90', 'Najdorf', NULL, NULL, NULL, ''),
	(5, 'Botvinnik', 'Smyslov', '1-0', '1958.03.04', 'WCh 1958', 'E_0', 'Odd', NULL, NULL, 'already', 'wch1958.pgn');

INSERT INTO players (name, games, wins, losses, draws, peak_elo) VALUES
	('Tal', 4, 1, 1, 2, 2705),
	('Botvinnik', 4, 2, 1, 1, 2630),
	('Fischer', 1, 0, 0, 1, 2785),
	('Smyslov', 1, 0, 1, 0, NULL);

INSERT INTO tournaments (name, games, first_date, last_date) VALUES
	('WCh 1960', 2, '1960.03.15', '1960.05.07'),
	('WCh 1961', 1, '1961.03.15', '1961.05.12'),
	('Candidates', 1, '1959.09.07', '1959.10.29');
`

func TestSearchGames(t *testing.T) {
	var svc, _ = newTestService(t)
	var ctx = context.Background()

	var page, err = svc.SearchGames(ctx, Filter{Player: "Tal"}, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), *page.Total)
	require.Equal(t, []int64{3, 2}, gameIDs(page.Items))

	page, err = svc.SearchGames(ctx, Filter{Player: "Tal"}, 2, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 4}, gameIDs(page.Items))

	// Case: beyond the final page.
	page, err = svc.SearchGames(ctx, Filter{Player: "Tal"}, 3, 2)
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.Equal(t, int64(4), *page.Total)

	// Case: ECO prefix and date range.
	page, err = svc.SearchGames(ctx, Filter{ECO: "B1", DateFrom: "1960.01.01", DateTo: "1960.12.31"}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, gameIDs(page.Items))

	// Case: ECO wildcards are matched literally.
	page, err = svc.SearchGames(ctx, Filter{ECO: "E_"}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{5}, gameIDs(page.Items))

	// Case: all fields map.
	page, err = svc.SearchGames(ctx, Filter{White: "Tal", Black: "Botvinnik", Result: "1-0", Event: "WCh 1960"}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []Game{{
		ID:       1,
		White:    "Tal",
		Black:    "Botvinnik",
		Result:   "1-0",
		Date:     "1960.03.15",
		Event:    "WCh 1960",
		ECO:      "B18",
		Opening:  "Caro-Kann",
		WhiteElo: 2620,
		BlackElo: 2610,
		Moves:    strPtr("1. e4 c6"),
		Source:   "wch1960.pgn",
	}}, page.Items)
}

func TestHeadToHead(t *testing.T) {
	var svc, _ = newTestService(t)

	var h2h, err = svc.HeadToHead(context.Background(), "Tal", "Botvinnik", 1, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2, 1}, gameIDs(h2h.Games.Items))
	require.Equal(t, int64(3), *h2h.Games.Total)
	require.Equal(t, int64(1), h2h.WinsA)
	require.Equal(t, int64(1), h2h.WinsB)
	require.Equal(t, int64(1), h2h.Draws)

	h2h, err = svc.HeadToHead(context.Background(), "Tal", "Capablanca", 1, 10)
	require.NoError(t, err)
	require.Empty(t, h2h.Games.Items)
	require.Equal(t, HeadToHead{Games: h2h.Games}, h2h)
}

func TestLeaderboardsAndTournaments(t *testing.T) {
	var svc, _ = newTestService(t)
	var ctx = context.Background()

	var players, err = svc.TopPlayers(ctx, 1, 3)
	require.NoError(t, err)
	require.Equal(t, int64(4), *players.Total)
	require.Equal(t, []Player{
		{Name: "Fischer", Games: 1, Draws: 1, PeakElo: 2785},
		{Name: "Tal", Games: 4, Wins: 1, Losses: 1, Draws: 2, PeakElo: 2705},
		{Name: "Botvinnik", Games: 4, Wins: 2, Losses: 1, Draws: 1, PeakElo: 2630},
	}, players.Items)

	players, err = svc.TopPlayers(ctx, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []Player{{Name: "Smyslov", Games: 1, Losses: 1}}, players.Items)

	tournaments, err := svc.Tournaments(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []Tournament{
		{Name: "WCh 1961", Games: 1, FirstDate: "1961.03.15", LastDate: "1961.05.12"},
		{Name: "WCh 1960", Games: 2, FirstDate: "1960.03.15", LastDate: "1960.05.07"},
		{Name: "Candidates", Games: 1, FirstDate: "1959.09.07", LastDate: "1959.10.29"},
	}, tournaments.Items)

	_, err = svc.TopPlayers(ctx, 0, 3)
	require.Equal(t, paging.ErrInvalidPage, err)
}

func TestGame(t *testing.T) {
	var svc, _ = newTestService(t)

	var game, err = svc.Game(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, "Fischer", game.White)
	require.Nil(t, game.Moves)
	require.Equal(t, int64(0), game.WhiteElo)

	_, err = svc.Game(context.Background(), 42)
	require.Equal(t, ErrNotFound, err)
}

func TestPopulateMoves(t *testing.T) {
	var _, p = newTestService(t)
	var ctx = context.Background()

	var resolver = &fakeResolver{outcomes: map[int64]artifact.Artifact{
		2: {MoveText: "1. c4 Nf6", Tier: artifact.TierExtraction},
		3: {Tier: artifact.TierExtraction, Empty: true},
	}}

	var report, err = PopulateMoves(ctx, p, resolver, 2)
	require.NoError(t, err)
	require.Equal(t, PopulateReport{
		Scanned:     3, // Games 2, 3, and 4.
		Populated:   map[artifact.Tier]int{artifact.TierExtraction: 1},
		Empty:       1,
		Unavailable: 1,
	}, report)
	require.Equal(t, []int64{2, 3, 4}, resolver.resolved)

	res, err := p.Query(ctx, `SELECT id, moves FROM games ORDER BY id`)
	require.NoError(t, err)
	require.Equal(t, [][]interface{}{
		{int64(1), "1. e4 c6"},
		{int64(2), "1. c4 Nf6"},
		{int64(3), nil},
		{int64(4), nil},
		{int64(5), "already"},
	}, res.Rows)

	// Case: a game populated concurrently is not overwritten.
	resolver = &fakeResolver{
		outcomes: map[int64]artifact.Artifact{3: {MoveText: "1. d4", Tier: artifact.TierSecondary}},
		before: func(id int64) {
			if id == 3 {
				var _, err = p.Exec(ctx, `UPDATE games SET moves = 'racer' WHERE id = 3`)
				require.NoError(t, err)
			}
		},
	}
	report, err = PopulateMoves(ctx, p, resolver, 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Raced)
	require.Equal(t, 2, report.Scanned)

	res, err = p.Query(ctx, `SELECT moves FROM games WHERE id = 3`)
	require.NoError(t, err)
	require.Equal(t, "racer", res.String(0, "moves"))

	// Case: a resolver failure other than unavailability aborts the run.
	resolver = &fakeResolver{err: errors.New("boom")}
	_, err = PopulateMoves(ctx, p, resolver, 10)
	require.EqualError(t, err, "boom")
}

type fakeResolver struct {
	outcomes map[int64]artifact.Artifact
	resolved []int64
	before   func(id int64)
	err      error
}

func (r *fakeResolver) Resolve(_ context.Context, game artifact.Game) (artifact.Artifact, error) {
	r.resolved = append(r.resolved, game.ID)
	if r.before != nil {
		r.before(game.ID)
	}
	if r.err != nil {
		return artifact.Artifact{}, r.err
	}
	if art, ok := r.outcomes[game.ID]; ok {
		return art, nil
	}
	return artifact.Artifact{}, artifact.ErrUnavailable
}

func newTestService(t *testing.T) (*Service, *pool.Pool) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "games.db")
	require.NoError(t, recordstore.Bootstrap(ctx, path, recordstore.PrimarySchema))

	var p, err = pool.New(ctx, pool.Config{Size: 2, AcquireTimeout: time.Second},
		pool.OpenPath(path, recordstore.Options{BusyTimeout: time.Second}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	_, err = p.Exec(ctx, fixtureData)
	require.NoError(t, err)

	var cache = querycache.New(p, querycache.Config{MaxEntries: 64})
	var exec = paging.New(cache, paging.Config{DefaultTTL: time.Minute})

	return New(exec, cache, Config{
		ListTTL:       time.Minute,
		HeadToHeadTTL: time.Second,
		AggregateTTL:  time.Hour,
	}), p
}

func gameIDs(games []Game) []int64 {
	var out []int64
	for _, g := range games {
		out = append(out, g.ID)
	}
	return out
}

func strPtr(s string) *string { return &s }
