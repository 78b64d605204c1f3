package main

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.pgnvault.dev/core/games"
	"go.pgnvault.dev/core/snapshot"
)

func TestSnapshotManifest(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var saved = Config.Snapshot
	defer func() { Config.Snapshot = saved }()

	// Case: no snapshot is configured.
	Config.Snapshot.Base, Config.Snapshot.Manifest = "", ""
	var _, ok, err = snapshotManifest(fs)
	require.NoError(t, err)
	require.False(t, ok)

	// Case: manifest is built from a base URL.
	Config.Snapshot.Base = "https://example.com/games.db"
	Config.Snapshot.Parts = 2
	Config.Snapshot.Template = snapshot.DefaultPartTemplate
	Config.Snapshot.Size = []int64{10, 20}

	m, ok, err := snapshotManifest(fs)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snapshot.Manifest{Parts: []snapshot.Part{
		{Index: 1, URL: "https://example.com/games.db.part1", Size: 10},
		{Index: 2, URL: "https://example.com/games.db.part2", Size: 20},
	}}, m)

	// Case: a manifest file takes precedence.
	require.NoError(t, afero.WriteFile(fs, "/manifest.yaml", []byte(`
parts:
  - {index: 1, url: "file:///snap/games.db"}
`), 0644))
	Config.Snapshot.Manifest = "/manifest.yaml"

	m, ok, err = snapshotManifest(fs)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []snapshot.Part{{Index: 1, URL: "file:///snap/games.db"}}, m.Parts)

	// Case: invalid configuration.
	Config.Snapshot.Manifest = ""
	Config.Snapshot.Size = []int64{10}

	_, ok, err = snapshotManifest(fs)
	require.EqualError(t, err, "expected 2 part sizes (got 1)")
	require.False(t, ok)
}

func TestWriteGames(t *testing.T) {
	var moves = "1. e4 c6 2. d4 d5"
	var total = int64(3)
	var buf bytes.Buffer

	writeGames(&buf, games.Page[games.Game]{
		Items: []games.Game{
			{ID: 1, White: "Tal", Black: "Botvinnik", WhiteElo: 2620, Result: "1-0", Date: "1960.03.15", Moves: &moves},
			{ID: 4, White: "Fischer", Black: "Tal", Result: "1/2-1/2", Date: "1959.09.10"},
		},
		PageNumber: 1,
		PageSize:   2,
		Total:      &total,
	})

	var out = buf.String()
	require.Contains(t, out, "Tal (2620)")
	require.Contains(t, out, "17 B")
	require.Contains(t, out, "<none>")
	require.Contains(t, out, "Page 1 of 2 (3 games).\n")
}
