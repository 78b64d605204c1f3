package pool

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.pgnvault.dev/core/recordstore"
)

func TestHandlesAreExclusiveUnderStress(t *testing.T) {
	var p = newTestPool(t, Config{Size: 3, AcquireTimeout: 10 * time.Second}, nil)

	// Each Handle gets a plain (non-atomic) counter, guarded only by the
	// Pool's exclusivity of Handles. The race detector and the final sum
	// catch any double checkout.
	var counters = make(map[*recordstore.Handle]*int)
	var holders = make(map[*recordstore.Handle]*atomic.Int32)
	for _, s := range p.free {
		counters[s.handle] = new(int)
		holders[s.handle] = new(atomic.Int32)
	}

	const workers, iterations = 24, 40
	var wg sync.WaitGroup
	var errCh = make(chan error, workers*iterations)

	for w := 0; w != workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i != iterations; i++ {
				errCh <- p.WithHandle(context.Background(), func(h *recordstore.Handle) error {
					if n := holders[h].Add(1); n != 1 {
						return errors.Errorf("handle held by %d callers", n)
					}
					*counters[h]++
					time.Sleep(time.Microsecond * 50)
					holders[h].Add(-1)
					return nil
				})
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}

	var total int
	for _, c := range counters {
		total += *c
	}
	require.Equal(t, workers*iterations, total)
	require.Equal(t, int64(0), p.Stats().InUse)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	var p = newTestPool(t, Config{Size: 1, AcquireTimeout: 10 * time.Second}, nil)
	var ctx = context.Background()

	var held, err = p.Acquire(ctx)
	require.NoError(t, err)

	var acquired = make(chan *Lease)
	go func() {
		var l, _ = p.Acquire(ctx)
		acquired <- l
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("acquired while pool was exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(held, nil)
	var l = <-acquired
	require.NotNil(t, l)
	require.Equal(t, held.Slot(), l.Slot())
	p.Release(l, nil)

	require.Equal(t, int64(1), p.Stats().Waited)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	var p = newTestPool(t, Config{Size: 1, AcquireTimeout: 30 * time.Millisecond}, nil)
	var ctx = context.Background()

	var held, err = p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.Equal(t, ErrExhausted, err)
	require.Equal(t, int64(1), p.Stats().Timeouts)

	// A cancelled caller Context is reported as such, rather than exhaustion.
	var cancelCtx, cancel = context.WithCancel(ctx)
	cancel()
	_, err = p.Acquire(cancelCtx)
	require.Equal(t, context.Canceled, err)

	p.Release(held, nil)

	// The Pool recovers once the Handle is released.
	l, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(l, nil)
}

func TestAcquireIsFirstComeFirstServed(t *testing.T) {
	var p = newTestPool(t, Config{Size: 1, AcquireTimeout: 10 * time.Second}, nil)
	var ctx = context.Background()

	var held, err = p.Acquire(ctx)
	require.NoError(t, err)

	var order = make(chan int, 3)
	for i := 0; i != 3; i++ {
		var i = i
		go func() {
			var l, err = p.Acquire(ctx)
			if err != nil {
				order <- -1
				return
			}
			order <- i
			p.Release(l, nil)
		}()
		// Ensure waiter |i| is queued before waiter |i+1| arrives.
		require.Eventually(t, func() bool { return p.Stats().Waiting == int64(i+1) },
			time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}
	p.Release(held, nil)

	require.Equal(t, 0, <-order)
	require.Equal(t, 1, <-order)
	require.Equal(t, 2, <-order)
}

func TestBrokenHandleIsRecycled(t *testing.T) {
	var opens = make(map[int]int)
	var mu sync.Mutex

	var p = newTestPool(t, Config{Size: 2}, func(slot int) {
		mu.Lock()
		opens[slot]++
		mu.Unlock()
	})
	var ctx = context.Background()

	// Case: an ordinary query error is surfaced, and the Handle is reused.
	var errQuery = errors.New("no such table: nope")
	var err = p.WithHandle(ctx, func(*recordstore.Handle) error { return errQuery })
	require.Equal(t, errQuery, err)
	require.Equal(t, int64(0), p.Stats().Recycled)

	// Case: a broken-handle error is surfaced, and the slot re-opened.
	var l *Lease
	l, err = p.Acquire(ctx)
	require.NoError(t, err)
	var slot, prior = l.Slot(), l.Handle()

	p.Release(l, errors.WithMessage(driver.ErrBadConn, "querying"))
	require.Equal(t, int64(1), p.Stats().Recycled)

	mu.Lock()
	require.Equal(t, 2, opens[slot])
	mu.Unlock()

	// The re-opened Handle is usable, and distinct from the closed one.
	for i := 0; i != 2; i++ {
		l, err = p.Acquire(ctx)
		require.NoError(t, err)
		if l.Slot() == slot {
			require.NotSame(t, prior, l.Handle())
			require.NoError(t, l.Handle().Ping(ctx))
		}
		defer p.Release(l, nil)
	}
}

func TestWithHandleReleasesOnPanic(t *testing.T) {
	var p = newTestPool(t, Config{Size: 1, AcquireTimeout: time.Second}, nil)
	var ctx = context.Background()

	require.Panics(t, func() {
		_ = p.WithHandle(ctx, func(*recordstore.Handle) error { panic("whoops") })
	})
	require.Equal(t, int64(0), p.Stats().InUse)

	var res, err = p.Query(ctx, `SELECT COUNT(*) AS n FROM games`)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Int(0, "n"))
}

func TestDoubleReleasePanics(t *testing.T) {
	var p = newTestPool(t, Config{Size: 1}, nil)

	var l, err = p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(l, nil)
	require.Panics(t, func() { p.Release(l, nil) })
}

func TestCloseWaitsForInFlightLeases(t *testing.T) {
	var p = newTestPool(t, Config{Size: 1}, nil)
	var ctx = context.Background()

	var held, err = p.Acquire(ctx)
	require.NoError(t, err)

	// A waiter is woken by Close with ErrClosed.
	var waiterErr = make(chan error)
	go func() {
		var _, err = p.Acquire(ctx)
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	var closed = make(chan error)
	go func() { closed <- p.Close(ctx) }()

	require.Equal(t, ErrClosed, <-waiterErr)

	// New acquisitions fail immediately.
	_, err = p.Acquire(ctx)
	require.Equal(t, ErrClosed, err)

	// The in-flight Lease remains usable until released.
	_, err = held.Handle().Query(ctx, `SELECT 1`)
	require.NoError(t, err)

	select {
	case <-closed:
		t.Fatal("Close returned with a Lease outstanding")
	case <-time.After(20 * time.Millisecond):
	}
	p.Release(held, nil)
	require.NoError(t, <-closed)

	// Close is idempotent.
	require.NoError(t, p.Close(ctx))
}

func TestCloseHonorsContext(t *testing.T) {
	var p = newTestPool(t, Config{Size: 1}, nil)

	var held, err = p.Acquire(context.Background())
	require.NoError(t, err)

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.EqualError(t, p.Close(ctx), "waiting for in-flight leases: context deadline exceeded")

	p.Release(held, nil)
	require.NoError(t, p.Close(context.Background()))
}

func TestNewFailsFast(t *testing.T) {
	var ctx = context.Background()

	var _, err = New(ctx, Config{Size: 0}, nil)
	require.EqualError(t, err, "invalid pool size 0")

	var missing = filepath.Join(t.TempDir(), "missing.db")
	_, err = New(ctx, Config{Size: 2}, OpenPath(missing, recordstore.Options{ReadOnly: true}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening pool slot 0")

	// Case: a later slot fails after earlier slots opened.
	var path = bootstrapStore(t)
	var calls int
	_, err = New(ctx, Config{Size: 3}, func(ctx context.Context, slot int) (*recordstore.Handle, error) {
		if calls++; slot == 2 {
			return nil, errors.New("boom")
		}
		return recordstore.Open(ctx, path, recordstore.Options{ReadOnly: true})
	})
	require.EqualError(t, err, "opening pool slot 2: boom")
	require.Equal(t, 3, calls)
}

func newTestPool(t *testing.T, cfg Config, onOpen func(slot int)) *Pool {
	var path = bootstrapStore(t)
	var open = OpenPath(path, recordstore.Options{ReadOnly: true})

	var p, err = New(context.Background(), cfg, func(ctx context.Context, slot int) (*recordstore.Handle, error) {
		if onOpen != nil {
			onOpen(slot)
		}
		return open(ctx, slot)
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func bootstrapStore(t *testing.T) string {
	var path = filepath.Join(t.TempDir(), "games.db")
	require.NoError(t, recordstore.Bootstrap(context.Background(), path, recordstore.PrimarySchema))
	return path
}
