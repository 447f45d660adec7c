// Copyright 2024 The gonda Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loader populates a pool from channels: it fetches repodata with
// conditional requests against the on-disk cache, verifies trust, and
// ingests the documents as repositories.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainguard-dev/clog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/gonda-dev/gonda/pkg/conda/channel"
	"github.com/gonda-dev/gonda/pkg/conda/condaurl"
	"github.com/gonda-dev/gonda/pkg/conda/fetch"
	"github.com/gonda-dev/gonda/pkg/conda/pool"
	"github.com/gonda-dev/gonda/pkg/conda/repo"
	"github.com/gonda-dev/gonda/pkg/conda/spec"
	"github.com/gonda-dev/gonda/pkg/conda/trust"
)

// parsed repodata documents are kept in memory keyed by url+etag; parsing
// costs more than the lookup ever will
type cacheKey struct {
	url  string
	etag string
}

// Options configure a Loader.
type Options struct {
	CacheDir string
	// Checker verifies repodata trust; nil skips verification.
	Checker *trust.RepoIndexChecker
	// NoCache bypasses conditional requests and refetches.
	NoCache   bool
	UserAgent string
	// MemCacheSize bounds the in-memory parsed-index cache.
	MemCacheSize int
}

// Loader fetches and ingests repodata.
type Loader struct {
	cache    *repo.Cache
	checker  *trust.RepoIndexChecker
	client   *retryablehttp.Client
	noCache  bool
	ua       string
	memMu    sync.Mutex
	memCache *lru.Cache[cacheKey, *repo.Repodata]
}

// New creates a loader rooted at opts.CacheDir.
func New(opts Options) (*Loader, error) {
	cache, err := repo.NewCache(opts.CacheDir)
	if err != nil {
		return nil, err
	}
	size := opts.MemCacheSize
	if size <= 0 {
		size = 100
	}
	mem, _ := lru.New[cacheKey, *repo.Repodata](size)

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	return &Loader{
		cache:    cache,
		checker:  opts.Checker,
		client:   client,
		noCache:  opts.NoCache,
		ua:       opts.UserAgent,
		memCache: mem,
	}, nil
}

// LoadChannels loads every channel × subdir pair into the pool, one
// repository each, tagged with priorities by channel order: the first
// channel ranks highest. Failures collect per sub-operation; one failed
// channel never masks the others.
func (l *Loader) LoadChannels(ctx context.Context, channels []channel.Channel, pl *pool.Pool) ([]pool.RepoID, error) {
	ctx, span := otel.Tracer("gonda").Start(ctx, "Loader.LoadChannels")
	defer span.End()
	log := clog.FromContext(ctx)

	type loaded struct {
		name string
		prio pool.Priority
		doc  *repo.Repodata
	}

	var (
		mu   sync.Mutex
		docs []loaded
		merr *multierror.Error
	)

	g, ctx := errgroup.WithContext(ctx)
	for ci, ch := range channels {
		chanPrio := len(channels) - ci
		for si, subdir := range ch.Platforms {
			ch, subdir := ch, subdir
			subdirPrio := len(ch.Platforms) - si
			g.Go(func() error {
				doc, err := l.loadOne(ctx, ch, subdir)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					log.Warnf("loading %s/%s: %v", ch.Name, subdir, err)
					merr = multierror.Append(merr, fmt.Errorf("%s/%s: %w", ch.Name, subdir, err))
					return nil
				}
				docs = append(docs, loaded{
					name: ch.Name + "/" + subdir,
					prio: pool.Priority{Channel: chanPrio, Subdir: subdirPrio},
					doc:  doc,
				})
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		merr = multierror.Append(merr, err)
	}

	// ingest serially; the pool is single-owner during mutation
	var repos []pool.RepoID
	for _, d := range docs {
		id := pl.AddRepo(d.name, d.prio)
		for _, info := range d.doc.Packages {
			if _, err := pl.AddSolvable(id, info); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		repos = append(repos, id)
	}
	pl.RebuildWhatProvides()

	return repos, merr.ErrorOrNil()
}

// loadOne fetches one repodata document, consulting the cache sidecar for a
// conditional request and recovering once from a corrupt cache entry.
func (l *Loader) loadOne(ctx context.Context, ch channel.Channel, subdir string) (*repo.Repodata, error) {
	doc, err := l.loadOnce(ctx, ch, subdir)
	var cerr *repo.CacheError
	if errors.As(err, &cerr) {
		// a corrupt cache entry is evicted and refetched exactly once
		clog.FromContext(ctx).Warnf("evicting corrupt repodata cache: %v", cerr)
		l.cache.Evict(ch.RepodataURL(subdir))
		doc, err = l.loadOnce(ctx, ch, subdir)
	}
	return doc, err
}

func (l *Loader) loadOnce(ctx context.Context, ch channel.Channel, subdir string) (*repo.Repodata, error) {
	url := ch.RepodataURL(subdir)
	ctx, span := otel.Tracer("gonda").Start(ctx, fmt.Sprintf("loadRepodata(%s)", condaurl.LogSafeString(url)))
	defer span.End()

	var etag, mod string
	if !l.noCache {
		if state, err := l.cache.State(url); err == nil {
			etag, mod = state.ETag, state.Mod
		}
	}

	tmpDir, err := os.MkdirTemp(l.cache.Dir(), "fetch-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)
	tmpFile := filepath.Join(tmpDir, "repodata.json")

	newDownloader := func() *fetch.MultiDownloader {
		return fetch.NewMultiDownloader(fetch.Options{
			MaxParallel: 1,
			// transport-level retries live in the retryablehttp client
			MaxRetries: -1,
			Client:     l.client.StandardClient(),
			UserAgent:  l.ua,
		})
	}
	makeTarget := func(fetchURL string) *fetch.Target {
		t := fetch.NewTarget(ch.Name+"/"+subdir, fetchURL, tmpFile)
		t.ETag = etag
		t.Mod = mod
		t.NoCache = l.noCache
		t.CachedPath = l.cache.BodyPath(url)
		return t
	}

	// probe the zstd-compressed flavour first; a channel without one
	// answers 404 and we fall back to the plain document
	d := newDownloader()
	d.Add(makeTarget(url + ".zst"))
	results, err := d.Download(ctx)
	if errors.Is(err, fetch.ErrInterrupted) {
		return nil, err
	}
	if err != nil {
		d = newDownloader()
		d.Add(makeTarget(url))
		if results, err = d.Download(ctx); err != nil {
			return nil, err
		}
	}
	res := results[0]

	var body []byte
	switch {
	case res.NotModified:
		cached, _, cerr := l.cache.Load(url)
		if cerr != nil {
			if errors.Is(cerr, os.ErrNotExist) {
				return nil, &repo.CacheError{Path: l.cache.BodyPath(url), Reason: "304 but no cached body"}
			}
			return nil, cerr
		}
		body = cached
	default:
		f, oerr := os.Open(res.Path)
		if oerr != nil {
			return nil, oerr
		}
		if _, serr := l.cache.Store(url, f, res.ETag, res.Mod); serr != nil {
			f.Close()
			return nil, serr
		}
		f.Close()
		stored, _, cerr := l.cache.Load(url)
		if cerr != nil {
			return nil, cerr
		}
		body = stored
	}

	key := cacheKey{url: url, etag: res.ETag}
	l.memMu.Lock()
	if doc, ok := l.memCache.Get(key); ok && key.etag != "" {
		l.memMu.Unlock()
		return doc, nil
	}
	l.memMu.Unlock()

	doc, err := repo.ParseRepodata(ch.BaseURL, body)
	if err != nil {
		return nil, &repo.CacheError{Path: l.cache.BodyPath(url), Reason: err.Error()}
	}

	if l.checker != nil {
		// untrusted documents never reach the pool
		if verr := l.checker.VerifyIndex(doc); verr != nil {
			return nil, verr
		}
	}

	if key.etag != "" {
		l.memMu.Lock()
		l.memCache.Add(key, doc)
		l.memMu.Unlock()
	}
	return doc, nil
}

// InstalledFromPrefix reads conda-meta/*.json records of a prefix into a
// system repository, re-hydrating the installed state for the solver.
func InstalledFromPrefix(prefixDir string, pl *pool.Pool) (pool.RepoID, error) {
	id := pl.AddRepo("installed", pool.Priority{Channel: -1})
	metaDir := filepath.Join(prefixDir, "conda-meta")
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return id, nil
		}
		return id, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(metaDir, e.Name()))
		if err != nil {
			return id, err
		}
		fn := spec.StripArchiveExtension(e.Name())
		info, err := repo.ParseRecord(fn[:len(fn)-len(".json")]+".conda", data)
		if err != nil {
			return id, fmt.Errorf("conda-meta/%s: %w", e.Name(), err)
		}
		if _, err := pl.AddSolvable(id, info); err != nil {
			return id, err
		}
	}
	return id, nil
}
