package main

import (
	"context"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.pgnvault.dev/core/archive"
	"go.pgnvault.dev/core/artifact"
	"go.pgnvault.dev/core/paging"
	"go.pgnvault.dev/core/pool"
	"go.pgnvault.dev/core/querycache"
	"go.pgnvault.dev/core/recordstore"
	"go.pgnvault.dev/core/snapshot"
	"go.pgnvault.dev/core/task"
)

// runTask runs |fn| until it completes, or the process is signaled.
func runTask(desc string, fn func(ctx context.Context) error) error {
	var tasks = task.NewGroup(context.Background())
	tasks.QueueSignalCancel(syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue(desc, func() error {
		defer tasks.Cancel()
		return fn(tasks.Context())
	})
	tasks.GoRun()
	return tasks.Wait()
}

// snapshotManifest returns the configured Manifest, or false if no
// snapshot is configured.
func snapshotManifest(fs afero.Fs) (snapshot.Manifest, bool, error) {
	var cfg = Config.Snapshot

	if cfg.Manifest != "" {
		var m, err = snapshot.LoadManifest(fs, cfg.Manifest)
		return m, err == nil, err
	} else if cfg.Base == "" {
		return snapshot.Manifest{}, false, nil
	}
	var m, err = snapshot.BuildManifest(cfg.Base, cfg.Parts, cfg.Template, cfg.Size)
	return m, err == nil, err
}

// retrieveSnapshot into the configured store path, if a snapshot is configured.
func retrieveSnapshot(ctx context.Context, force bool) error {
	var fs = afero.NewOsFs()

	var m, ok, err = snapshotManifest(fs)
	if err != nil {
		return errors.WithMessage(err, "building snapshot manifest")
	} else if !ok {
		log.WithField("store", Config.Store.Path).Info("no snapshot configured; using existing store")
		return nil
	}

	var retriever = snapshot.NewRetriever(snapshot.Config{
		Target:      Config.Store.Path,
		Force:       force || Config.Snapshot.Force,
		Concurrency: Config.Snapshot.Concurrency,
		Attempts:    Config.Snapshot.Attempts,
		Timeout:     Config.Snapshot.Timeout,
	}, fs, snapshot.NewSources(fs))

	report, err := retriever.Fetch(ctx, m)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"run":      report.RunID,
		"skipped":  report.Skipped,
		"parts":    report.Parts,
		"bytes":    report.Bytes,
		"duration": report.Duration,
	}).Info("store snapshot ready")

	return nil
}

func openPool(ctx context.Context, path string, readOnly bool) (*pool.Pool, error) {
	var p, err = pool.New(ctx, pool.Config{
		Size:           Config.Store.PoolSize,
		AcquireTimeout: Config.Store.AcquireTimeout,
	}, pool.OpenPath(path, recordstore.Options{
		ReadOnly:    readOnly,
		BusyTimeout: Config.Store.BusyTimeout,
	}))
	if err != nil {
		return nil, errors.WithMessagef(err, "opening store pool (%s)", path)
	}
	return p, nil
}

func newQueryCache(p *pool.Pool) *querycache.Cache {
	return querycache.New(p, querycache.Config{MaxEntries: Config.Cache.QueryEntries})
}

func newExecutor(cache *querycache.Cache) *paging.Executor {
	return paging.New(cache, paging.Config{DefaultTTL: Config.Cache.ListTTL})
}

// stack is the wired resolver of move text, and the pools it holds open.
type stack struct {
	resolver  *artifact.Resolver
	secondary *pool.Pool
}

// newStack returns a resolver over the configured tiers. Game records are
// loaded from |records|.
func newStack(ctx context.Context, records artifact.Querier) (*stack, error) {
	var policy = artifact.InsertionOrder
	if Config.Cache.AccessOrder {
		policy = artifact.AccessOrder
	}
	var tiers = artifact.Tiers{
		Cache:   artifact.NewCache(Config.Cache.ArtifactEntries, policy),
		Records: records,
	}
	var out = new(stack)

	if path := Config.Store.Secondary; path != "" {
		var p, err = openPool(ctx, path, true)
		if err != nil {
			return nil, errors.WithMessage(err, "opening secondary store")
		}
		out.secondary = p
		tiers.Secondary = artifact.NewSecondaryStore(p)
	}
	if root := Config.Store.Archive; root != "" {
		tiers.Extractor = archive.NewExtractor(afero.NewOsFs(), root, archive.Options{
			ScanForDuplicates: Config.Store.ScanDuplicates,
		})
	}
	out.resolver = artifact.NewResolver(tiers)

	log.WithFields(log.Fields{
		"secondary": Config.Store.Secondary,
		"archive":   Config.Store.Archive,
		"policy":    policy,
	}).Info("built move text resolver")

	return out, nil
}

// close the stack's pools, waiting for in-flight queries.
func (s *stack) close(ctx context.Context) error {
	if s.secondary == nil {
		return nil
	}
	return s.secondary.Close(ctx)
}
