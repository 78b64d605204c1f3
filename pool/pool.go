// Package pool provides a fixed-size, fair pool of record store Handles.
//
// The Pool is the only component which issues raw queries against the record
// store. Each Handle is checked out to at most one caller at a time, callers
// are served in arrival order, and an acquisition which cannot be satisfied
// within the configured timeout fails with ErrExhausted rather than queuing
// without bound.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pgnvault.dev/core/metrics"
	"go.pgnvault.dev/core/recordstore"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrExhausted is returned by Acquire when no Handle became free within
	// the configured AcquireTimeout. It's retry-able after a backoff.
	ErrExhausted = errors.New("pool exhausted")
	// ErrClosed is returned by Acquire once Close has been called.
	ErrClosed = errors.New("pool closed")
)

// OpenFunc opens the Handle of a pool slot.
type OpenFunc func(ctx context.Context, slot int) (*recordstore.Handle, error)

// OpenPath returns an OpenFunc which opens every slot onto |path|.
func OpenPath(path string, opts recordstore.Options) OpenFunc {
	return func(ctx context.Context, _ int) (*recordstore.Handle, error) {
		return recordstore.Open(ctx, path, opts)
	}
}

// Config of a Pool.
type Config struct {
	// Size is the fixed number of Handles. It must be > 0.
	Size int
	// AcquireTimeout bounds the time Acquire waits for a free Handle.
	// Zero waits until the caller's Context is done.
	AcquireTimeout time.Duration
}

// Pool is a fixed-size set of record store Handles.
type Pool struct {
	cfg  Config
	open OpenFunc
	sem  *semaphore.Weighted

	closeCtx    context.Context
	closeCancel context.CancelFunc

	mu   sync.Mutex
	free []*slot

	closeMu sync.Mutex
	drained bool

	waited   atomic.Int64
	waiting  atomic.Int64
	timeouts atomic.Int64
	recycled atomic.Int64
	inUse    atomic.Int64
}

type slot struct {
	id     int
	handle *recordstore.Handle // Nil if a re-open failed.
}

// New opens all |cfg.Size| Handles of a Pool. If any Handle fails to open,
// those already opened are closed and the error is returned: a Pool is never
// constructed over a store which can't be read.
func New(ctx context.Context, cfg Config, open OpenFunc) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, errors.Errorf("invalid pool size %d", cfg.Size)
	}
	var p = &Pool{
		cfg:  cfg,
		open: open,
		sem:  semaphore.NewWeighted(int64(cfg.Size)),
	}
	p.closeCtx, p.closeCancel = context.WithCancel(context.Background())

	for i := 0; i != cfg.Size; i++ {
		var h, err = open(ctx, i)
		if err != nil {
			for _, s := range p.free {
				_ = s.handle.Close()
			}
			return nil, errors.WithMessagef(err, "opening pool slot %d", i)
		}
		p.free = append(p.free, &slot{id: i, handle: h})
	}

	log.WithFields(log.Fields{
		"size":           cfg.Size,
		"acquireTimeout": cfg.AcquireTimeout,
	}).Info("opened record store pool")

	return p, nil
}

// Lease is an exclusive checkout of one pool slot.
type Lease struct {
	slot     *slot
	released bool
}

// Handle of the Lease. It must not be used after the Lease is released.
func (l *Lease) Handle() *recordstore.Handle { return l.slot.handle }

// Slot index of the Lease.
func (l *Lease) Slot() int { return l.slot.id }

// Acquire a Lease, blocking until a Handle is free. Waiting callers are
// served in the order they called Acquire. Acquire fails with ErrExhausted if
// AcquireTimeout elapses, with ErrClosed if the Pool is closing, or with the
// Context error if |ctx| is done first.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closeCtx.Err() != nil {
		return nil, ErrClosed
	}
	var started = timeNow()

	if !p.sem.TryAcquire(1) {
		p.waited.Add(1)
		p.waiting.Add(1)

		var err = p.waitForSlot(ctx)
		p.waiting.Add(-1)

		if err != nil {
			return nil, err
		}
	}
	metrics.PoolAcquireSeconds.Observe(timeNow().Sub(started).Seconds())

	if p.closeCtx.Err() != nil {
		p.sem.Release(1)
		return nil, ErrClosed
	}

	p.mu.Lock()
	var s = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	// Re-open a slot whose prior re-open failed.
	if s.handle == nil {
		var h, err = p.open(ctx, s.id)
		if err != nil {
			p.putSlot(s)
			return nil, errors.WithMessagef(err, "re-opening pool slot %d", s.id)
		}
		s.handle = h
		p.recycled.Add(1)
		metrics.PoolRecycledTotal.Inc()
	}

	p.inUse.Add(1)
	metrics.PoolInUse.Inc()

	return &Lease{slot: s}, nil
}

func (p *Pool) waitForSlot(ctx context.Context) error {
	var waitCtx context.Context
	var cancel context.CancelFunc

	if p.cfg.AcquireTimeout != 0 {
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	} else {
		waitCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Closing the Pool wakes all waiters.
	var stop = context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	if err := p.sem.Acquire(waitCtx, 1); err == nil {
		return nil
	} else if p.closeCtx.Err() != nil {
		return ErrClosed
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	p.timeouts.Add(1)
	metrics.PoolExhaustedTotal.Inc()

	log.WithFields(log.Fields{
		"size":    p.cfg.Size,
		"timeout": p.cfg.AcquireTimeout,
		"waiting": p.waiting.Load(),
	}).Warn("record store pool exhausted")

	return ErrExhausted
}

// Release a Lease back to the Pool. |err| is the outcome of the Lease's use:
// if it indicates the Handle is broken (see recordstore.IsBroken), the Handle
// is closed and re-opened before the slot is returned to the free set.
// Releasing a Lease twice panics.
func (p *Pool) Release(l *Lease, err error) {
	if l.released {
		panic("Lease already released")
	}
	l.released = true

	p.inUse.Add(-1)
	metrics.PoolInUse.Dec()

	if recordstore.IsBroken(err) {
		p.recycle(l.slot, err)
	}
	p.putSlot(l.slot)
}

func (p *Pool) recycle(s *slot, cause error) {
	_ = s.handle.Close()
	s.handle = nil

	var h, err = p.open(context.Background(), s.id)
	if err != nil {
		log.WithFields(log.Fields{
			"slot":  s.id,
			"cause": cause,
			"err":   err,
		}).Warn("failed to re-open broken handle (will retry on next acquire)")
		return
	}
	s.handle = h
	p.recycled.Add(1)
	metrics.PoolRecycledTotal.Inc()

	log.WithFields(log.Fields{
		"slot":  s.id,
		"cause": cause,
	}).Info("re-opened broken record store handle")
}

func (p *Pool) putSlot(s *slot) {
	p.mu.Lock()
	p.free = append(p.free, s)
	p.mu.Unlock()
	p.sem.Release(1)
}

// WithHandle acquires a Handle, invokes |fn| with it, and releases it on
// every exit path of |fn|, including a panic.
func (p *Pool) WithHandle(ctx context.Context, fn func(*recordstore.Handle) error) (err error) {
	var lease *Lease
	if lease, err = p.Acquire(ctx); err != nil {
		return err
	}
	defer func() { p.Release(lease, err) }()

	err = fn(lease.Handle())
	return err
}

// Query runs |stmt| on a pooled Handle.
func (p *Pool) Query(ctx context.Context, stmt string, args ...interface{}) (recordstore.Result, error) {
	var out recordstore.Result
	var err = p.WithHandle(ctx, func(h *recordstore.Handle) (err error) {
		out, err = h.Query(ctx, stmt, args...)
		return err
	})
	return out, err
}

// Exec runs a statement which returns no rows on a pooled Handle, returning
// the number of affected rows.
func (p *Pool) Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	var n int64
	var err = p.WithHandle(ctx, func(h *recordstore.Handle) error {
		var res, err = h.Exec(ctx, stmt, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Close the Pool. New and waiting acquisitions fail with ErrClosed, and
// Close blocks until all outstanding Leases are released (or |ctx| is done)
// before closing Handles. Close may be called more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.closeCancel()

	p.closeMu.Lock()
	defer p.closeMu.Unlock()

	if p.drained {
		return nil
	} else if err := p.sem.Acquire(ctx, int64(p.cfg.Size)); err != nil {
		return errors.WithMessage(err, "waiting for in-flight leases")
	}
	p.drained = true // Weights are never released: the Pool is done.

	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, s := range p.free {
		if s.handle == nil {
			continue
		} else if err := s.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.WithField("size", p.cfg.Size).Info("closed record store pool")
	return firstErr
}

// Stats of the Pool.
type Stats struct {
	Size     int
	InUse    int64
	Waiting  int64
	Waited   int64 // Cumulative acquisitions which had to wait.
	Timeouts int64 // Cumulative ErrExhausted acquisitions.
	Recycled int64 // Cumulative re-opened Handles.
}

// Stats returns a snapshot of Pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:     p.cfg.Size,
		InUse:    p.inUse.Load(),
		Waiting:  p.waiting.Load(),
		Waited:   p.waited.Load(),
		Timeouts: p.timeouts.Load(),
		Recycled: p.recycled.Load(),
	}
}

var timeNow = time.Now
