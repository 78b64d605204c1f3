package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/DataDog/zstd"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.pgnvault.dev/core/artifact"
)

const segmentFixture = `[Event "Candidates"]
[White "Tal, Mikhail"]
[Black "Smyslov, Vassily"]
[Result "1-0"]
[Date "1959.09.07"]

1. e4 c6 2. d3 d5 3. Nd2 e5
4. Ngf3 Nd7 1-0

[Event "Candidates"]
[White "Keres, Paul"]
[Black "Tal, Mikhail"]
[Result "1/2-1/2"]
[Date "1959.09.08"]

1/2-1/2

[Event "Candidates"]
[White "Tal, Mikhail"]
[Black "Smyslov, Vassily"]
[Result "1-0"]
[Date "1959-09-07"]

1. d4 Nf6 1-0
[White "Fischer, Robert J."]
[Black "Tal, Mikhail"]
[Result "0-1"]
[Date "1959.09.10"]
1. e4 e5 0-1`

func TestExtractCases(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/archive/cand1959.pgn", []byte(segmentFixture), 0644))

	var ex = NewExtractor(fs, "/archive", Options{})
	var ctx = context.Background()

	// Case: the first of duplicate matches wins, and move text spans lines.
	var moves, err = ex.Extract(ctx, "cand1959.pgn",
		artifact.NewKey("Tal, Mikhail", "Smyslov, Vassily", "1-0", "1959.09.07"))
	require.NoError(t, err)
	require.Equal(t, "1. e4 c6 2. d3 d5 3. Nd2 e5\n4. Ngf3 Nd7 1-0", moves)

	// Case: a located game with only a termination marker has empty moves.
	moves, err = ex.Extract(ctx, "cand1959.pgn",
		artifact.NewKey("Keres, Paul", "Tal, Mikhail", "1/2-1/2", "1959.09.08"))
	require.NoError(t, err)
	require.Equal(t, "", moves)

	// Case: a record ended by the next tag line, and the final record
	// ended by the end of the segment.
	moves, err = ex.Extract(ctx, "cand1959.pgn",
		artifact.NewKey("Fischer, Robert J.", "Tal, Mikhail", "0-1", "1959.09.10"))
	require.NoError(t, err)
	require.Equal(t, "1. e4 e5 0-1", moves)

	// Case: no matching record.
	_, err = ex.Extract(ctx, "cand1959.pgn",
		artifact.NewKey("Fischer, Robert J.", "Tal, Mikhail", "1-0", "1959.09.10"))
	require.Equal(t, ErrNotFound, err)

	// Case: missing segment.
	_, err = ex.Extract(ctx, "missing.pgn", artifact.NewKey("a", "b", "1-0", "?"))
	require.True(t, errors.Is(err, os.ErrNotExist))

	// Case: segments may not escape the root.
	for _, segment := range []string{"../etc/passwd", "/archive/cand1959.pgn", ""} {
		_, err = ex.Extract(ctx, segment, artifact.NewKey("a", "b", "1-0", "?"))
		require.EqualError(t, err, "segment \""+segment+"\" is not local to the archive root")
	}
}

func TestExtractScansForDuplicates(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "seg.pgn", []byte(segmentFixture), 0644))

	var ex = NewExtractor(fs, ".", Options{ScanForDuplicates: true})
	var moves, err = ex.Extract(context.Background(), "seg.pgn",
		artifact.NewKey("Tal, Mikhail", "Smyslov, Vassily", "1-0", "1959.09.07"))
	require.NoError(t, err)
	require.Equal(t, "1. e4 c6 2. d3 d5 3. Nd2 e5\n4. Ngf3 Nd7 1-0", moves)
}

func TestExtractCompressedSegments(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var key = artifact.NewKey("Fischer, Robert J.", "Tal, Mikhail", "0-1", "1959.09.10")

	for _, name := range []string{"seg.pgn.gz", "seg.pgn.sz", "seg.pgn.zst", "seg.PGN"} {
		var buf bytes.Buffer
		var cw = newCodecWriter(t, &buf, CodecForPath(name))
		var _, err = cw.Write([]byte(segmentFixture))
		require.NoError(t, err)
		require.NoError(t, cw.Close())
		require.NoError(t, afero.WriteFile(fs, name, buf.Bytes(), 0644))

		moves, err := NewExtractor(fs, "", Options{}).Extract(context.Background(), name, key)
		require.NoError(t, err, name)
		require.Equal(t, "1. e4 e5 0-1", moves, name)
	}
}

func newCodecWriter(t *testing.T, w io.Writer, codec Codec) io.WriteCloser {
	switch codec {
	case CodecNone:
		return nopWriteCloser{w}
	case CodecGzip:
		return gzip.NewWriter(w)
	case CodecSnappy:
		return snappy.NewBufferedWriter(w)
	case CodecZstandard:
		return zstd.NewWriter(w)
	}
	t.Fatalf("unexpected codec %s", codec)
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestExtractChecksContext(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "seg.pgn", []byte(segmentFixture), 0644))

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var _, err = NewExtractor(fs, "", Options{}).Extract(ctx, "seg.pgn",
		artifact.NewKey("Fischer, Robert J.", "Tal, Mikhail", "0-1", "1959.09.10"))
	require.Equal(t, context.Canceled, err)
}

func TestCodecForPath(t *testing.T) {
	for name, codec := range map[string]Codec{
		"a.pgn":        CodecNone,
		"a.pgn.gz":     CodecGzip,
		"a.pgn.GZ":     CodecGzip,
		"a.pgn.sz":     CodecSnappy,
		"a.pgn.snappy": CodecSnappy,
		"a.pgn.zst":    CodecZstandard,
		"a.pgn.zstd":   CodecZstandard,
		"dir.gz/a.pgn": CodecNone,
	} {
		require.Equal(t, codec, CodecForPath(name), name)
	}
}

func TestResolverExtractsThenServesFromCache(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/archive/cand1959.pgn", []byte(segmentFixture), 0644))

	var cache = artifact.NewCache(4, artifact.InsertionOrder)
	var r = artifact.NewResolver(artifact.Tiers{
		Cache:     cache,
		Extractor: NewExtractor(fs, "/archive", Options{}),
	})
	var game = artifact.Game{
		Key:    artifact.NewKey("Tal, Mikhail", "Smyslov, Vassily", "1-0", "1959-09-07"),
		Source: "cand1959.pgn",
	}

	var art, err = r.Resolve(context.Background(), game)
	require.NoError(t, err)
	require.Equal(t, artifact.TierExtraction, art.Tier)

	// Remove the segment: the repeat resolution doesn't touch it.
	require.NoError(t, fs.Remove("/archive/cand1959.pgn"))

	again, err := r.Resolve(context.Background(), game)
	require.NoError(t, err)
	require.Equal(t, artifact.TierCache, again.Tier)
	require.Equal(t, art.MoveText, again.MoveText)

	// Another game of the missing segment is unavailable.
	game.Key.Date = "1959.09.08"
	_, err = r.Resolve(context.Background(), game)
	require.True(t, errors.Is(err, artifact.ErrUnavailable))
}
