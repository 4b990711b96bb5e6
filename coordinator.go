package interceptcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/intercept-cache/intercept-cache/cache"
	"github.com/intercept-cache/intercept-cache/policy"
)

// ErrLoadSuperseded is returned to a Load caller whose in-flight operation
// was cancelled, either because a newer Load for the same URL replaced it or
// because CancelAll tore the coordinator down. It is an expected outcome,
// not a fault.
var ErrLoadSuperseded = errors.New("load superseded by a newer request")

// LoadResult is the outcome of a successful Load.
type LoadResult struct {
	Payload    []byte
	MimeType   string
	StatusCode int
	// Source names where the bytes came from: "fresh", "stale" (cache hit
	// with background revalidation) or "network".
	Source string
}

// Coordinator orchestrates a single logical load(url): cache consultation,
// per-URL single-flight bookkeeping, background revalidation of stale hits
// and synchronous fetches for expired entries and misses.
//
// For any URL key there is at most one pending load at a time, and at most
// one network fetch in flight. A newer Load for the same key cancels the
// older one and waits for it to unwind before proceeding: the superseded
// caller gets ErrLoadSuperseded, the newer caller gets the real result.
type Coordinator struct {
	store   *cache.Store
	engine  *policy.Engine
	fetcher Fetcher
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingLoad

	// Background revalidations of stale entries are deduplicated per URL:
	// many stale hits in a row trigger a single refresh fetch.
	reval singleflight.Group
}

type pendingLoad struct {
	cancel context.CancelFunc
	// done is closed once the load has fully unwound, including its fetch.
	done chan struct{}
}

func NewCoordinator(store *cache.Store, engine *policy.Engine, fetcher Fetcher, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		engine:  engine,
		fetcher: fetcher,
		log:     logger,
		pending: make(map[string]*pendingLoad),
	}
}

// Load resolves the bytes for a URL. Fresh cache hits return immediately.
// Stale hits return immediately and refresh in the background. Expired
// entries and misses fetch synchronously and store the result when the
// response is cacheable.
func (c *Coordinator) Load(ctx context.Context, url string) (*LoadResult, error) {
	loadCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	previous := c.pending[url]
	load := &pendingLoad{cancel: cancel, done: make(chan struct{})}
	c.pending[url] = load
	c.mu.Unlock()
	if previous != nil {
		// last caller wins: cancel the superseded load, then wait for it to
		// unwind so its fetch is never in flight alongside ours
		previous.cancel()
		<-previous.done
	}
	defer c.finish(url, load)

	if resource, ok := c.store.Lookup(url); ok {
		// a load superseded between registration and the cache read must not
		// serve the hit
		if err := loadCtx.Err(); err != nil {
			return nil, c.loadError(ctx, loadCtx, url, err)
		}
		switch c.engine.Classify(resource.StoredAt, time.Now()) {
		case policy.StateFresh:
			c.log.Trace().Str("url", url).Msg("Serving fresh cache hit")
			return &LoadResult{
				Payload:    resource.Payload,
				MimeType:   resource.MimeType,
				StatusCode: 200,
				Source:     "fresh",
			}, nil
		case policy.StateStale:
			c.log.Trace().Str("url", url).Msg("Serving stale cache hit, revalidating in background")
			go c.revalidate(url)
			return &LoadResult{
				Payload:    resource.Payload,
				MimeType:   resource.MimeType,
				StatusCode: 200,
				Source:     "stale",
			}, nil
		}
		// expired entries fall through to a synchronous fetch
	}

	// a load that was superseded before reaching the network should not fetch
	if err := loadCtx.Err(); err != nil {
		return nil, c.loadError(ctx, loadCtx, url, err)
	}

	result, err := c.fetcher.Fetch(loadCtx, url, nil)
	if err != nil {
		return nil, c.loadError(ctx, loadCtx, url, err)
	}
	if c.engine.IsCacheableResponse(result.StatusCode, url) {
		c.store.Put(url, result.Payload, result.MimeType)
	}
	return &LoadResult{
		Payload:    result.Payload,
		MimeType:   result.MimeType,
		StatusCode: result.StatusCode,
		Source:     "network",
	}, nil
}

// CancelAll cancels every pending load, e.g. when the renderer tears down.
// Each load removes its own bookkeeping as it unwinds.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, load := range c.pending {
		load.cancel()
	}
}

// PendingLoads returns the number of loads currently in flight.
func (c *Coordinator) PendingLoads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// loadError distinguishes a supersede cancellation from a real fetch
// failure. The load context firing while the caller's own context is still
// live means a newer load replaced this one.
func (c *Coordinator) loadError(callerCtx, loadCtx context.Context, url string, err error) error {
	if loadCtx.Err() != nil && callerCtx.Err() == nil {
		return ErrLoadSuperseded
	}
	return &FetchError{URL: url, Err: err}
}

// finish removes the pending entry unless a newer load already replaced it,
// releases the load's context and signals any successor waiting to take over.
func (c *Coordinator) finish(url string, load *pendingLoad) {
	c.mu.Lock()
	if current, ok := c.pending[url]; ok && current == load {
		delete(c.pending, url)
	}
	c.mu.Unlock()
	load.cancel()
	close(load.done)
}

// revalidate refreshes a stale entry from the network, detached from the
// caller that observed the staleness. Failures are logged, never surfaced.
func (c *Coordinator) revalidate(url string) {
	_, _, _ = c.reval.Do(url, func() (interface{}, error) {
		result, err := c.fetcher.Fetch(context.Background(), url, nil)
		if err != nil {
			c.log.Warn().Err(err).Str("url", url).Msg("Background revalidation failed")
			return nil, nil
		}
		if !c.engine.IsCacheableResponse(result.StatusCode, url) {
			c.log.Debug().Int("http-status", result.StatusCode).Str("url", url).Msg("Revalidated response not cacheable")
			return nil, nil
		}
		c.store.Put(url, result.Payload, result.MimeType)
		c.log.Trace().Str("url", url).Msg("Background revalidation stored")
		return nil, nil
	})
}
