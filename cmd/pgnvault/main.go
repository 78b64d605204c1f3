package main

import (
	"time"

	"github.com/jessevdk/go-flags"
	mbp "go.pgnvault.dev/core/mainboilerplate"
)

const iniFilename = "pgnvault.ini"

// Config is the top-level configuration object of pgnvault.
var Config = new(struct {
	Store struct {
		Path           string        `long:"path" env:"PATH" default:"pgnvault.db" description:"Path of the primary game record store"`
		Secondary      string        `long:"secondary" env:"SECONDARY" description:"Path of the secondary move-text store. If empty, the secondary tier is disabled"`
		Archive        string        `long:"archive" env:"ARCHIVE" description:"Directory of archive segments from which move text is extracted. If empty, extraction is disabled"`
		ScanDuplicates bool          `long:"scan-duplicates" env:"SCAN_DUPLICATES" description:"Scan whole archive segments, and log games which are ambiguous in their segment"`
		PoolSize       int           `long:"pool-size" env:"POOL_SIZE" default:"8" description:"Number of pooled store connections"`
		AcquireTimeout time.Duration `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"5s" description:"Maximum time to wait for a pooled store connection"`
		BusyTimeout    time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"5s" description:"Maximum time SQLite waits on a locked store"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Cache struct {
		QueryEntries    int           `long:"query-entries" env:"QUERY_ENTRIES" default:"4096" description:"Maximum number of cached query results"`
		ArtifactEntries int           `long:"artifact-entries" env:"ARTIFACT_ENTRIES" default:"1024" description:"Maximum number of cached move texts"`
		AccessOrder     bool          `long:"access-order" env:"ACCESS_ORDER" description:"Evict the least-recently accessed move text, rather than the oldest inserted"`
		ListTTL         time.Duration `long:"list-ttl" env:"LIST_TTL" default:"1m" description:"Freshness of game searches and single games"`
		HeadToHeadTTL   time.Duration `long:"h2h-ttl" env:"H2H_TTL" default:"5s" description:"Freshness of head-to-head queries"`
		AggregateTTL    time.Duration `long:"aggregate-ttl" env:"AGGREGATE_TTL" default:"6h" description:"Freshness of leaderboards and tournament listings"`
	} `group:"Cache" namespace:"cache" env-namespace:"CACHE"`

	Snapshot struct {
		Base        string        `long:"base" env:"BASE" description:"Base URL of the store snapshot. If empty and no manifest is given, no snapshot is retrieved"`
		Parts       int           `long:"parts" env:"PARTS" default:"1" description:"Number of snapshot parts"`
		Template    string        `long:"template" env:"TEMPLATE" default:"{{.Base}}.part{{.Index}}" description:"Template of part URLs, over the base URL and 1-based part index"`
		Size        []int64       `long:"size" env:"SIZE" env-delim:"," description:"Expected size of each part, in order (repeatable)"`
		Manifest    string        `long:"manifest" env:"MANIFEST" description:"Path of a YAML snapshot manifest, used instead of --snapshot.base"`
		Force       bool          `long:"force" env:"FORCE" description:"Retrieve the snapshot even if the store already exists"`
		Concurrency int           `long:"concurrency" env:"CONCURRENCY" default:"4" description:"Number of parts retrieved in parallel"`
		Attempts    int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"Number of attempts to retrieve each part"`
		Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"30m" description:"Timeout of a single part retrieval attempt"`
	} `group:"Snapshot" namespace:"snapshot" env-namespace:"SNAPSHOT"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the game record store", `
serve retrieves the store snapshot (unless the store already exists), opens
the store and its caches, and serves diagnostics until signaled to exit (via
SIGTERM or SIGINT). Upon a signal, in-flight queries complete before the
store is closed.
`, &cmdServe{})

	_, _ = parser.AddCommand("fetch", "Retrieve the store snapshot", `
fetch retrieves the parts of the store snapshot, verifies them, and atomically
installs the store. An existing store is left as-is, unless --force is given.
`, &cmdFetch{})

	_, _ = parser.AddCommand("populate", "Populate missing game move text", `
populate resolves the move text of games which lack it, from the secondary
store and archive segments, and writes it to the store. Move text which is
already present is never modified.
`, &cmdPopulate{})

	_, _ = parser.AddCommand("games", "Search games of the store", `
games prints a page of games matching the given filters as a table. If both
--player and --opponent are given, their head-to-head record is printed.
`, &cmdGames{})

	_, _ = parser.AddCommand("moves", "Resolve the move text of a game", `
moves resolves the move text of a game through the store, the secondary
store, and archive segments, and prints it.
`, &cmdMoves{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
