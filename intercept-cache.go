// Package interceptcache is the request-interception layer of an embedded
// content renderer. For every resource and navigation request it decides
// whether to serve previously-fetched bytes, revalidate them in the
// background, block the request on policy grounds, or let it pass through
// to the network.
package interceptcache

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/intercept-cache/intercept-cache/access"
	"github.com/intercept-cache/intercept-cache/cache"
	tee "github.com/intercept-cache/intercept-cache/pkg/response-tee"
	"github.com/intercept-cache/intercept-cache/policy"
)

// NavigationDecision is the outcome of the access gate for a navigation.
type NavigationDecision int

const (
	// NavigationAllow lets the renderer load the URL in-process.
	NavigationAllow NavigationDecision = iota
	// NavigationBlock cancels the navigation with no network activity.
	NavigationBlock
	// NavigationOpenExternal cancels the in-process navigation and hands
	// the URL to the external-handling collaborator (system browser).
	NavigationOpenExternal
)

func (d NavigationDecision) String() string {
	switch d {
	case NavigationAllow:
		return "allow"
	case NavigationBlock:
		return "block"
	case NavigationOpenExternal:
		return "external"
	}
	return "unknown"
}

// ExternalOpener receives URLs that must be handled outside the renderer.
type ExternalOpener interface {
	OpenExternal(url string)
}

type Config struct {
	// Store is the cache storage layer.
	Store *cache.Store
	// Policy decides cache eligibility and staleness.
	Policy *policy.Engine
	// Access gates navigations and resource loads.
	Access *access.Policy
	// Fetcher retrieves resources from the network.
	// An HTTPFetcher with a 30 second timeout is used if nil.
	Fetcher Fetcher
	// External receives external-domain navigations. Optional.
	External ExternalOpener
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Interceptor is the seam that plugs into the renderer's navigation and
// resource pipeline. Construct one per renderer instance and pass it in;
// there is no ambient global state.
type Interceptor struct {
	store       *cache.Store
	engine      *policy.Engine
	access      *access.Policy
	coordinator *Coordinator
	external    ExternalOpener
	log         zerolog.Logger
}

func New(config Config) *Interceptor {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	fetcher := config.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(30 * time.Second)
	}
	return &Interceptor{
		store:       config.Store,
		engine:      config.Policy,
		access:      config.Access,
		coordinator: NewCoordinator(config.Store, config.Policy, fetcher, logger),
		external:    config.External,
		log:         logger,
	}
}

// AuthorizeNavigation runs the access gate for a navigation target.
func (i *Interceptor) AuthorizeNavigation(url string) NavigationDecision {
	if i.access.IsAllowed(url) {
		return NavigationAllow
	}
	if isWebScheme(url) && i.access.IsExternalDomain(url) {
		return NavigationOpenExternal
	}
	return NavigationBlock
}

// Load resolves the bytes for a resource URL through the coordinator.
func (i *Interceptor) Load(ctx context.Context, url string) (*LoadResult, error) {
	return i.coordinator.Load(ctx, url)
}

// CancelAll cancels every in-flight load, e.g. on renderer teardown.
func (i *Interceptor) CancelAll() {
	i.coordinator.CancelAll()
}

// ShouldCacheURL reports whether the URL qualifies for caching.
func (i *Interceptor) ShouldCacheURL(url string) bool {
	return i.engine.ShouldCache(url)
}

// GetCachedResource returns the stored resource and its staleness state.
func (i *Interceptor) GetCachedResource(url string) (cache.Resource, policy.State, bool) {
	resource, ok := i.store.Lookup(url)
	if !ok {
		return cache.Resource{}, policy.StateExpired, false
	}
	return resource, i.engine.Classify(resource.StoredAt, time.Now()), true
}

// StoreCachedResponse offers an observed network response to the cache.
// It is stored only when the response is cacheable.
func (i *Interceptor) StoreCachedResponse(statusCode int, url string, payload []byte, mimeType string) {
	if !i.engine.IsCacheableResponse(statusCode, url) {
		return
	}
	i.store.Put(url, payload, mimeType)
}

// IsAllowed reports whether the URL passes the access gate.
func (i *Interceptor) IsAllowed(url string) bool {
	return i.access.IsAllowed(url)
}

// IsExternalDomain reports whether the URL is outside the allow-list.
func (i *Interceptor) IsExternalDomain(url string) bool {
	return i.access.IsExternalDomain(url)
}

// ClearCache empties both the memory index and durable storage.
func (i *Interceptor) ClearCache() {
	i.store.Clear()
}

// CacheStatistics reports best-effort cache usage.
func (i *Interceptor) CacheStatistics() cache.Statistics {
	return i.store.Statistics()
}

// Middleware wires the interception pipeline in front of the renderer's
// default network path (the next handler). Navigations are gated, cacheable
// resources are answered from the coordinator, and everything else passes
// through with its response offered to the cache on the way out.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		url := requestURL(r)

		if isNavigation(r) {
			switch decision := i.AuthorizeNavigation(url); decision {
			case NavigationBlock:
				i.log.Debug().Str("url", url).Msg("Navigation blocked")
				w.WriteHeader(http.StatusForbidden)
				return
			case NavigationOpenExternal:
				i.log.Debug().Str("url", url).Msg("Navigation handed to external handler")
				if i.external != nil {
					i.external.OpenExternal(url)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		if i.engine.ShouldCache(url) {
			if result, err := i.coordinator.Load(r.Context(), url); err == nil {
				if result.MimeType != "" {
					w.Header().Set("Content-Type", result.MimeType)
				}
				w.Header().Set("Intercept-Source", result.Source)
				w.WriteHeader(result.StatusCode)
				w.Write(result.Payload)
				return
			} else {
				// fall back to the default network path
				i.log.Warn().Err(err).Str("url", url).Msg("Load failed, falling back to pass-through")
			}
		}

		// pass through untouched, but offer the observed response to the
		// cache on the way out (write-on-observe)
		recorder := tee.NewRecorder(w)
		next.ServeHTTP(recorder, r)
		i.StoreCachedResponse(recorder.StatusCode(), url, recorder.Body(), mimeTypeOf(recorder.Header()))
	})
}

// requestURL reconstructs the full target URL of an incoming request.
// Proxy-style requests carry an absolute URL already.
func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// isNavigation reports whether the request is a top-level navigation rather
// than a subresource load.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return r.Method == http.MethodGet &&
		strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isWebScheme(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
