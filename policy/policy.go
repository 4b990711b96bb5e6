package policy

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errEmptyPattern = errors.New("pattern has no literal content")

// State is the staleness classification of a cached entry,
// derived from its age at read time. It is never stored.
type State int

const (
	// StateFresh means the entry can be served as-is without revalidation.
	StateFresh State = iota
	// StateStale means the entry can be served, but should be revalidated
	// in the background.
	StateStale
	// StateExpired means the entry must not be served without a new fetch.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

type Config struct {
	// Glob-style patterns for cache-eligible URLs.
	// A `*` matches any substring; a pattern without `*` is a contains match.
	Patterns []string
	// How long after storage an entry is considered fresh.
	FreshWindow time.Duration
	// How long after the fresh window an entry may still be served stale.
	StaleWindow time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Engine decides whether a URL qualifies for caching and how old a stored
// entry is allowed to get. It holds no mutable state beyond the matchers
// compiled at construction time.
type Engine struct {
	matchers    []*regexp.Regexp
	freshWindow time.Duration
	staleWindow time.Duration
	log         zerolog.Logger
}

func New(config Config) *Engine {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	e := &Engine{
		freshWindow: config.FreshWindow,
		staleWindow: config.StaleWindow,
		log:         logger,
	}
	for _, pattern := range config.Patterns {
		matcher, err := compilePattern(pattern)
		if err != nil {
			// a single bad pattern must not take down the whole set
			e.log.Warn().Err(err).Str("pattern", pattern).Msg("Skipping cache pattern")
			continue
		}
		e.matchers = append(e.matchers, matcher)
	}
	return e
}

// compilePattern converts a glob-style pattern to a case-insensitive regexp.
// A pattern without any wildcard behaves as if wrapped in `*pattern*`.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.Trim(pattern, "*") == "" {
		return nil, errEmptyPattern
	}
	if !strings.Contains(pattern, "*") {
		pattern = "*" + pattern + "*"
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("(?i)^" + strings.Join(parts, ".*") + "$")
}

// ShouldCache reports whether the URL matches at least one configured
// cache-eligible pattern. Matching is done against the full URL string.
func (e *Engine) ShouldCache(url string) bool {
	for _, matcher := range e.matchers {
		if matcher.MatchString(url) {
			return true
		}
	}
	return false
}

// Classify derives the staleness state of an entry stored at storedAt.
// The lower edge of each window is inclusive: an entry aged exactly
// FreshWindow is still fresh.
func (e *Engine) Classify(storedAt, now time.Time) State {
	age := now.Sub(storedAt)
	if age <= e.freshWindow {
		return StateFresh
	}
	if age <= e.freshWindow+e.staleWindow {
		return StateStale
	}
	return StateExpired
}

// IsCacheableResponse reports whether a response may be written to the cache:
// a success status code for a cache-eligible URL.
func (e *Engine) IsCacheableResponse(statusCode int, url string) bool {
	if statusCode < 200 || statusCode > 299 {
		return false
	}
	return e.ShouldCache(url)
}
