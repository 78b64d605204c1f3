package main

import (
	"context"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.pgnvault.dev/core/games"
	mbp "go.pgnvault.dev/core/mainboilerplate"
	"go.pgnvault.dev/core/metrics"
	"go.pgnvault.dev/core/pool"
	"go.pgnvault.dev/core/querycache"
	"go.pgnvault.dev/core/task"
)

const (
	closeTimeout  = 30 * time.Second
	statsInterval = time.Minute
)

type cmdServe struct{}

func (cmdServe) Execute([]string) error {
	var ready = new(mbp.Readiness)
	defer mbp.InitDiagnosticsAndRecover(ready)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("starting pgnvault")
	prometheus.MustRegister(metrics.PgnvaultCollectors()...)

	var tasks = task.NewGroup(context.Background())
	tasks.QueueSignalCancel(syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue("serve diagnostics", func() error {
		return mbp.ServeDiagnostics(tasks.Context(), Config.Diagnostics)
	})
	tasks.Queue("serve store", func() error {
		var err = serveStore(tasks.Context(), ready)
		if tasks.Context().Err() != nil && errors.Is(err, context.Canceled) {
			err = nil // Signaled before the store was ready.
		}
		return err
	})
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "pgnvault failed")
	log.Info("goodbye")
	return nil
}

// serveStore retrieves and opens the store, and holds it open until |ctx| is
// cancelled.
func serveStore(ctx context.Context, ready *mbp.Readiness) error {
	if err := retrieveSnapshot(ctx, false); err != nil {
		return err
	}

	var records, err = openPool(ctx, Config.Store.Path, true)
	if err != nil {
		return err
	}
	var cache = newQueryCache(records)
	var svc = games.New(newExecutor(cache), cache, games.Config{
		ListTTL:       Config.Cache.ListTTL,
		HeadToHeadTTL: Config.Cache.HeadToHeadTTL,
		AggregateTTL:  Config.Cache.AggregateTTL,
	})

	stack, err := newStack(ctx, records)
	if err != nil {
		_ = records.Close(context.Background())
		return err
	}

	// Fail fast if the store isn't queryable.
	if _, err = svc.Tournaments(ctx, 1, 1); err != nil {
		err = errors.WithMessage(err, "querying store")
	}
	if err == nil {
		ready.MarkReady(true)
		log.WithField("store", Config.Store.Path).Info("serving store")
		logStatsUntilDone(ctx, records, cache)
	}
	ready.MarkReady(false)

	var closeCtx, cancel = context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if closeErr := records.Close(closeCtx); closeErr != nil && err == nil {
		err = errors.WithMessage(closeErr, "closing store")
	}
	if closeErr := stack.close(closeCtx); closeErr != nil && err == nil {
		err = errors.WithMessage(closeErr, "closing secondary store")
	}
	return err
}

func logStatsUntilDone(ctx context.Context, records *pool.Pool, cache *querycache.Cache) {
	var ticker = time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.WithFields(log.Fields{
				"pool":  records.Stats(),
				"cache": cache.Stats(),
			}).Info("store stats")
		case <-ctx.Done():
			return
		}
	}
}
