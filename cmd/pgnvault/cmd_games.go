package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.pgnvault.dev/core/games"
	mbp "go.pgnvault.dev/core/mainboilerplate"
)

type cmdGames struct {
	Player   string `long:"player" description:"Games of the player, as either side"`
	Opponent string `long:"opponent" description:"With --player, print the head-to-head record of the players"`
	White    string `long:"white" description:"Games having the player as white"`
	Black    string `long:"black" description:"Games having the player as black"`
	Event    string `long:"event" description:"Games of the event"`
	ECO      string `long:"eco" description:"Games having an ECO code with the prefix"`
	Result   string `long:"result" choice:"1-0" choice:"0-1" choice:"1/2-1/2" choice:"*" description:"Games having the result"`
	From     string `long:"from" description:"Games played on or after the date (YYYY.MM.DD)"`
	To       string `long:"to" description:"Games played on or before the date (YYYY.MM.DD)"`
	Page     int    `long:"page" default:"1" description:"Page number, from 1"`
	Size     int    `long:"size" default:"20" description:"Number of games per page"`
}

func (cmd cmdGames) Execute([]string) error {
	mbp.InitLog(Config.Log)

	return runTask("search games", func(ctx context.Context) error {
		var records, err = openPool(ctx, Config.Store.Path, true)
		if err != nil {
			return err
		}
		defer records.Close(context.Background())

		var cache = newQueryCache(records)
		var svc = games.New(newExecutor(cache), cache, games.Config{
			ListTTL:       Config.Cache.ListTTL,
			HeadToHeadTTL: Config.Cache.HeadToHeadTTL,
			AggregateTTL:  Config.Cache.AggregateTTL,
		})

		if cmd.Player != "" && cmd.Opponent != "" {
			h2h, err := svc.HeadToHead(ctx, cmd.Player, cmd.Opponent, cmd.Page, cmd.Size)
			if err != nil {
				return err
			}
			writeGames(os.Stdout, h2h.Games)
			fmt.Fprintf(os.Stdout, "%s %d, %s %d, draws %d.\n",
				cmd.Player, h2h.WinsA, cmd.Opponent, h2h.WinsB, h2h.Draws)
			return nil
		}

		page, err := svc.SearchGames(ctx, games.Filter{
			Player:   cmd.Player,
			White:    cmd.White,
			Black:    cmd.Black,
			Event:    cmd.Event,
			ECO:      cmd.ECO,
			Result:   cmd.Result,
			DateFrom: cmd.From,
			DateTo:   cmd.To,
		}, cmd.Page, cmd.Size)
		if err != nil {
			return err
		}
		writeGames(os.Stdout, page)
		return nil
	})
}

func writeGames(w io.Writer, page games.Page[games.Game]) {
	var table = tablewriter.NewWriter(w)
	table.Header("ID", "Date", "White", "Black", "Result", "Event", "ECO", "Moves")

	for _, g := range page.Items {
		var moves = "<none>"
		if g.Moves != nil {
			moves = humanize.Bytes(uint64(len(*g.Moves)))
		}
		_ = table.Append([]string{
			strconv.FormatInt(g.ID, 10),
			g.Date,
			withElo(g.White, g.WhiteElo),
			withElo(g.Black, g.BlackElo),
			g.Result,
			g.Event,
			g.ECO,
			moves,
		})
	}
	_ = table.Render()

	if page.Total != nil {
		var pages = (*page.Total + int64(page.PageSize) - 1) / int64(page.PageSize)
		fmt.Fprintf(w, "Page %d of %s (%s games).\n",
			page.PageNumber, humanize.Comma(pages), humanize.Comma(*page.Total))
	}
}

func withElo(name string, elo int64) string {
	if elo == 0 {
		return name
	}
	return fmt.Sprintf("%s (%d)", name, elo)
}
