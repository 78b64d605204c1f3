package snapshot

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"go.pgnvault.dev/core/metrics"
)

// progress of a retrieval run.
type progress struct {
	received atomic.Int64
	expected int64 // Zero if not known.
}

// reader returns a Reader of |r| which counts bytes towards the progress.
func (p *progress) reader(r io.Reader) *countingReader { return &countingReader{r: r, p: p} }

// discard bytes counted by |c|, as of a failed attempt which will be retried.
func (p *progress) discard(c *countingReader) { p.received.Add(-c.n) }

// logEvery logs progress at |interval| until |ctx| is done.
func (p *progress) logEvery(ctx context.Context, fields log.Fields, interval time.Duration) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var received = p.received.Load()
		var entry = log.WithFields(fields).WithField("received", humanize.Bytes(uint64(received)))

		if p.expected != 0 {
			entry = entry.WithFields(log.Fields{
				"expected": humanize.Bytes(uint64(p.expected)),
				"percent":  humanize.FtoaWithDigits(100*float64(received)/float64(p.expected), 1),
			})
		}
		entry.Info("snapshot retrieval progress")
	}
}

type countingReader struct {
	r io.Reader
	p *progress
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	var n, err = c.r.Read(b)
	if n != 0 {
		c.n += int64(n)
		c.p.received.Add(int64(n))
		metrics.SnapshotReceivedBytesTotal.Add(float64(n))
	}
	return n, err
}
