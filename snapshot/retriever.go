// Package snapshot retrieves a record store snapshot which is published as
// N independently downloadable parts, verifies each part, and installs their
// concatenation as the store file.
//
// A Retriever runs through states
//
//	CheckExisting -> DownloadPart[1..N] -> VerifyPart -> ConcatenateAll -> AtomicSwap -> Ready
//
// and may enter Failed from any download or verification step. Parts are
// staged in a run-specific directory alongside the target, and concatenated
// into a temporary file of the target's directory which is then renamed over
// the target. The target path is never written directly, so a consumer
// opening it sees either the prior file or the complete new one.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.pgnvault.dev/core/metrics"
	"golang.org/x/sync/errgroup"
)

// ErrSizeMismatch is returned when a Part's received size differs from its
// expected size.
var ErrSizeMismatch = errors.New("snapshot part size mismatch")

// State of a retrieval run.
type State string

const (
	StateCheckExisting  State = "CheckExisting"
	StateDownloadPart   State = "DownloadPart"
	StateVerifyPart     State = "VerifyPart"
	StateConcatenateAll State = "ConcatenateAll"
	StateAtomicSwap     State = "AtomicSwap"
	StateReady          State = "Ready"
	StateFailed         State = "Failed"
)

// Config of a Retriever.
type Config struct {
	// Target path of the store file.
	Target string
	// Force retrieval even if Target already exists.
	Force bool
	// Concurrency is the number of Parts downloaded in parallel.
	Concurrency int
	// Attempts is the number of times a Part download is tried before the
	// run fails.
	Attempts int
	// Timeout of a single Part download attempt. Zero is unlimited.
	Timeout time.Duration
	// ProgressInterval between progress log entries.
	ProgressInterval time.Duration
}

// Report of a completed retrieval run.
type Report struct {
	// RunID uniquely identifies the run in logs.
	RunID string
	// State in which the run finished: StateReady or StateFailed.
	State State
	// Skipped is true if Target already existed, and nothing was retrieved.
	Skipped bool
	// Parts retrieved.
	Parts int
	// Bytes of the installed store file.
	Bytes int64
	// Duration of the run.
	Duration time.Duration
}

// Retriever retrieves snapshots into a store file.
type Retriever struct {
	cfg     Config
	fs      afero.Fs
	sources Sources
}

// NewRetriever returns a Retriever which writes to |fs| and reads Parts from
// |sources|.
func NewRetriever(cfg Config, fs afero.Fs, sources Sources) *Retriever {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 10 * time.Second
	}
	return &Retriever{cfg: cfg, fs: fs, sources: sources}
}

// Fetch the snapshot described by Manifest into the Config Target.
// If Target exists and is non-empty, and Force isn't set, Fetch returns a
// Skipped Report without opening any Part.
func (r *Retriever) Fetch(ctx context.Context, m Manifest) (Report, error) {
	var started = timeNow()
	var report = Report{RunID: uuid.New().String()}
	var fields = log.Fields{"run": report.RunID, "target": r.cfg.Target}

	var err = r.fetch(ctx, m, fields, &report)
	report.Duration = timeNow().Sub(started)

	if err != nil {
		report.State = StateFailed
		log.WithFields(fields).WithField("err", err).Error("snapshot retrieval failed")
		return report, err
	}
	report.State = StateReady

	log.WithFields(fields).WithFields(log.Fields{
		"skipped":  report.Skipped,
		"parts":    report.Parts,
		"bytes":    report.Bytes,
		"duration": report.Duration,
	}).Info("snapshot store is ready")

	return report, nil
}

func (r *Retriever) fetch(ctx context.Context, m Manifest, fields log.Fields, report *Report) error {
	logState(fields, StateCheckExisting)

	if fi, err := r.fs.Stat(r.cfg.Target); err == nil {
		if fi.IsDir() {
			return errors.Errorf("target %q is a directory", r.cfg.Target)
		} else if fi.Size() != 0 && !r.cfg.Force {
			report.Skipped, report.Bytes = true, fi.Size()
			return nil
		}
	} else if !os.IsNotExist(err) {
		return errors.WithMessage(err, "checking existing target")
	}

	if err := m.Validate(); err != nil {
		return err
	}

	var dir, base = filepath.Dir(r.cfg.Target), filepath.Base(r.cfg.Target)
	if err := r.fs.MkdirAll(dir, 0750); err != nil {
		return errors.WithMessage(err, "creating target directory")
	}

	// Stage Parts in a directory specific to this run.
	var staging = filepath.Join(dir, fmt.Sprintf(".%s.staging-%s", base, report.RunID))
	if err := r.fs.MkdirAll(staging, 0750); err != nil {
		return errors.WithMessage(err, "creating staging directory")
	}
	defer func() {
		if rmErr := r.fs.RemoveAll(staging); rmErr != nil {
			log.WithFields(fields).WithField("err", rmErr).Warn("failed to cleanup staging directory")
		}
	}()

	var prog = &progress{}
	if total, complete := m.TotalSize(); complete {
		prog.expected = total
	}

	var progCtx, progCancel = context.WithCancel(ctx)
	defer progCancel()
	go prog.logEvery(progCtx, fields, r.cfg.ProgressInterval)

	var staged = make([]string, len(m.Parts))
	var g, gCtx = errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i, part := range m.Parts {
		staged[i] = filepath.Join(staging, fmt.Sprintf("part-%04d", part.Index))

		var part, path = part, staged[i]
		g.Go(func() error { return r.fetchPart(gCtx, fields, prog, part, path) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	progCancel()

	logState(fields, StateConcatenateAll)
	var n, err = r.concatenate(dir, base, staged, fields)
	if err != nil {
		return err
	}
	report.Parts, report.Bytes = len(m.Parts), n
	return nil
}

// fetchPart downloads |part| into |path|, making up to Config.Attempts.
func (r *Retriever) fetchPart(ctx context.Context, fields log.Fields, prog *progress, part Part, path string) error {
	var err error
	var partFields = log.Fields{"part": part.Index, "url": part.URL}

	for attempt := 0; attempt != r.cfg.Attempts; attempt++ {
		if attempt != 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		logState(fields, StateDownloadPart, partFields)

		var n int64
		if n, err = r.fetchPartOnce(ctx, fields, prog, part, path); err == nil {
			metrics.SnapshotPartsTotal.WithLabelValues(metrics.Ok).Inc()

			log.WithFields(fields).WithFields(partFields).WithFields(log.Fields{
				"size": humanize.Bytes(uint64(n)),
			}).Info("retrieved snapshot part")
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err() // Another part failed, or we're shutting down.
		}
		metrics.SnapshotPartsTotal.WithLabelValues(metrics.Fail).Inc()

		log.WithFields(fields).WithFields(partFields).WithFields(log.Fields{
			"attempt": attempt + 1,
			"of":      r.cfg.Attempts,
			"err":     err,
		}).Warn("snapshot part attempt failed")
	}
	return errors.WithMessagef(err, "retrieving part %d (%s)", part.Index, part.URL)
}

func (r *Retriever) fetchPartOnce(ctx context.Context, fields log.Fields, prog *progress, part Part, path string) (int64, error) {
	if r.cfg.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var rc, advertised, err = r.sources.Open(ctx, part.URL)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	f, err := r.fs.Create(path)
	if err != nil {
		return 0, errors.WithMessage(err, "creating staged part")
	}
	defer f.Close()

	var counted = prog.reader(rc)
	n, err := io.Copy(f, counted)
	if err != nil {
		prog.discard(counted)
		return n, errors.WithMessage(err, "copying part")
	}

	logState(fields, StateVerifyPart, log.Fields{"part": part.Index})
	if err = verifyPart(part, advertised, n); err != nil {
		prog.discard(counted)
		return n, err
	}
	if err = f.Sync(); err != nil {
		prog.discard(counted)
		return n, errors.WithMessage(err, "syncing staged part")
	} else if err = f.Close(); err != nil {
		prog.discard(counted)
		return n, errors.WithMessage(err, "closing staged part")
	}
	return n, nil
}

// verifyPart checks |received| bytes of |part| against its Manifest size, and
// against the size |advertised| by its Source. Either may be unknown. A Part
// of unknown size must be non-empty.
func verifyPart(part Part, advertised, received int64) error {
	if part.Size != 0 && received != part.Size {
		return errors.WithMessagef(ErrSizeMismatch,
			"part %d: manifest size %d, received %d", part.Index, part.Size, received)
	} else if advertised >= 0 && received != advertised {
		return errors.WithMessagef(ErrSizeMismatch,
			"part %d: advertised size %d, received %d", part.Index, advertised, received)
	} else if part.Size == 0 && advertised < 0 && received == 0 {
		return errors.WithMessagef(ErrSizeMismatch, "part %d: received zero bytes", part.Index)
	}
	return nil
}

// concatenate |staged| parts in order into a temporary file of |dir|, and
// rename it to |base|.
func (r *Retriever) concatenate(dir, base string, staged []string, fields log.Fields) (int64, error) {
	var f, err = afero.TempFile(r.fs, dir, "."+base+".partial-")
	if err != nil {
		return 0, errors.WithMessage(err, "creating temporary store file")
	}
	var renamed bool

	defer func() {
		_ = f.Close() // Ignore double-close on success.
		if renamed {
			return
		}
		if rmErr := r.fs.Remove(f.Name()); rmErr != nil {
			log.WithFields(fields).WithField("err", rmErr).Warn("failed to cleanup temp file")
		}
	}()

	var total int64
	for _, path := range staged {
		var n int64
		if n, err = appendFile(r.fs, f, path); err != nil {
			return 0, errors.WithMessagef(err, "appending %s", filepath.Base(path))
		}
		total += n
	}

	if err = f.Sync(); err != nil {
		return 0, errors.WithMessage(err, "syncing temporary store file")
	} else if err = f.Close(); err != nil {
		return 0, errors.WithMessage(err, "closing temporary store file")
	}

	logState(fields, StateAtomicSwap)
	if err = r.fs.Rename(f.Name(), filepath.Join(dir, base)); err != nil {
		return 0, errors.WithMessage(err, "renaming temporary store file")
	}
	renamed = true

	return total, nil
}

func appendFile(fs afero.Fs, w io.Writer, path string) (int64, error) {
	var f, err = fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.Copy(w, f)
}

func logState(fields log.Fields, state State, extra ...log.Fields) {
	var entry = log.WithFields(fields).WithField("state", state)
	for _, e := range extra {
		entry = entry.WithFields(e)
	}
	entry.Debug("snapshot retrieval state")
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 0, 1:
		return time.Millisecond * 50
	case 2, 3:
		return time.Second
	default:
		return 5 * time.Second
	}
}

var timeNow = time.Now
