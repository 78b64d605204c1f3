// Package archive extracts the move text of games from the original PGN
// archive segments which records of the store were built from.
//
// A segment is a line-oriented file of game records. Each record is a run of
// bracketed tag lines, such as
//
//	[White "Tal, Mikhail"]
//	[Date "1960.03.15"]
//
// followed by move text lines, and is ended by a blank line after its move
// text (or by the next tag line, or the end of the segment). Segments may be
// compressed, as determined by their extension (see CodecForPath).
package archive

import (
	"bufio"
	"context"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.pgnvault.dev/core/artifact"
)

// ErrNotFound is returned when no record of a segment matches the Key.
var ErrNotFound = errors.New("game not found in archive segment")

// Options of an Extractor.
type Options struct {
	// ScanForDuplicates continues scanning a segment after a first match,
	// logging a warning if further records share the same Key. The first
	// match is returned regardless.
	ScanForDuplicates bool
	// MaxLineBytes bounds the length of a single segment line.
	// Zero uses a default of 1MB.
	MaxLineBytes int
}

// Extractor reads archive segments from a directory root of a filesystem.
// It implements artifact.Extractor.
type Extractor struct {
	fs   afero.Fs
	root string
	opts Options
}

// NewExtractor returns an Extractor of segments under |root| of |fs|.
func NewExtractor(fs afero.Fs, root string, opts Options) *Extractor {
	if opts.MaxLineBytes == 0 {
		opts.MaxLineBytes = 1 << 20
	}
	return &Extractor{fs: fs, root: root, opts: opts}
}

// Extract the move text of the first record of |segment| matching |key|.
// |segment| is relative to the Extractor root, and may not escape it.
// The returned move text is empty if the matched record has no moves.
func (e *Extractor) Extract(ctx context.Context, segment string, key artifact.Key) (string, error) {
	if !filepath.IsLocal(segment) {
		return "", errors.Errorf("segment %q is not local to the archive root", segment)
	}
	var name = filepath.Join(e.root, segment)

	var f, err = e.fs.Open(name)
	if err != nil {
		return "", errors.WithMessage(err, "opening archive segment")
	}
	defer f.Close()

	dec, err := NewCodecReader(f, CodecForPath(name))
	if err != nil {
		return "", errors.WithMessagef(err, "decoding archive segment %q", segment)
	}
	defer dec.Close()

	var sc = bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), e.opts.MaxLineBytes)

	var (
		rec     record
		found   bool
		moves   string
		matches int
	)
	// finish the current record, returning true if scanning should stop.
	var finish = func() bool {
		if !rec.started {
			return false
		}
		var match = rec.key() == key
		if match && !found {
			found, moves = true, rec.moveText()
		}
		if match {
			matches++
		}
		rec = record{}
		return found && !e.opts.ScanForDuplicates
	}

	for sc.Scan() {
		var line = strings.TrimSpace(sc.Text())

		switch {
		case strings.HasPrefix(line, "["):
			if rec.ended() && finish() {
				return moves, nil
			}
			if !rec.started {
				// Check for cancellation as each record begins.
				if err = ctx.Err(); err != nil {
					return "", err
				}
			}
			rec.tag(line)
		case line == "":
			if len(rec.moves) != 0 {
				if finish() {
					return moves, nil
				}
			} else if rec.started {
				// A blank line between tags and moves doesn't end the record.
				rec.headerDone = true
			}
		case rec.started:
			rec.moves = append(rec.moves, line)
		}
	}
	if err = sc.Err(); err != nil {
		return "", errors.WithMessagef(err, "scanning archive segment %q", segment)
	}
	finish()

	if !found {
		return "", ErrNotFound
	}
	if matches > 1 {
		log.WithFields(log.Fields{
			"segment": segment,
			"key":     key,
			"matches": matches,
		}).Warn("archive segment has multiple games matching key (using the first)")
	}
	return moves, nil
}

// record is a game record of a segment, as it's scanned.
type record struct {
	started    bool
	headerDone bool
	white      string
	black      string
	result     string
	date       string
	moves      []string
}

// tag applies a tag line of the form `[Name "Value"]`. Tags other than those
// of the Key are ignored.
func (r *record) tag(line string) {
	r.started = true

	var body = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
	var name, value, ok = strings.Cut(body, " ")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	value = strings.TrimSuffix(strings.TrimPrefix(value, `"`), `"`)

	switch name {
	case "White":
		r.white = value
	case "Black":
		r.black = value
	case "Result":
		r.result = value
	case "Date":
		r.date = value
	}
}

func (r *record) key() artifact.Key {
	return artifact.NewKey(r.white, r.black, r.result, r.date)
}

// ended is true if a following tag line must begin a new record.
func (r *record) ended() bool { return r.headerDone || len(r.moves) != 0 }

// moveText of the record. Move text consisting only of a game termination
// marker is empty.
func (r *record) moveText() string {
	var text = strings.Join(r.moves, "\n")

	switch text {
	case "1-0", "0-1", "1/2-1/2", "*":
		return ""
	}
	return text
}
