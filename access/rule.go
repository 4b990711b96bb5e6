package access

import (
	"errors"
	"net/url"
	"strings"
)

// Kind is the matching behavior of a compiled allow-list rule,
// determined by wildcard placement in the configured pattern.
type Kind int

const (
	// KindExact compares canonical scheme://host[:port] strings.
	KindExact Kind = iota
	// KindPrefix requires the URL to start with the pattern's literal portion.
	KindPrefix
	// KindSuffix requires the URL (or the host for `*.domain` forms) to end
	// with the pattern's literal portion.
	KindSuffix
	// KindContains is a substring match against the full URL or the
	// canonical host string.
	KindContains
)

var errEmptyRule = errors.New("rule has no literal content")

// Rule is a single compiled allow-list pattern. All literal content is
// lowercased at compile time; matching is case-insensitive throughout.
type Rule struct {
	pattern string
	kind    Kind
	literal string

	// exact rules only
	scheme  string
	host    string
	port    string
	hasPort bool
}

// Pattern returns the configured pattern string the rule was compiled from.
func (r Rule) Pattern() string {
	return r.pattern
}

func (r Rule) Kind() Kind {
	return r.kind
}

// compileRule classifies a configured pattern by wildcard placement.
// A pattern without a wildcard is an exact rule if it parses as an absolute
// URL, and a contains rule otherwise.
func compileRule(pattern string) (Rule, error) {
	trimmed := strings.ToLower(strings.TrimSpace(pattern))
	rule := Rule{pattern: pattern}

	leading := strings.HasPrefix(trimmed, "*")
	trailing := strings.HasSuffix(trimmed, "*") && len(trimmed) > 1

	switch {
	case leading && trailing:
		rule.kind = KindContains
		rule.literal = strings.TrimSuffix(strings.TrimPrefix(trimmed, "*"), "*")
	case trailing:
		rule.kind = KindPrefix
		rule.literal = strings.TrimSuffix(trimmed, "*")
	case leading:
		rule.kind = KindSuffix
		rule.literal = strings.TrimPrefix(trimmed, "*")
	default:
		if u, err := url.Parse(trimmed); err == nil && u.Scheme != "" && u.Host != "" {
			rule.kind = KindExact
			rule.scheme = u.Scheme
			rule.host = u.Hostname()
			rule.port = u.Port()
			rule.hasPort = rule.port != ""
			rule.literal = trimmed
			return rule, nil
		}
		rule.kind = KindContains
		rule.literal = trimmed
	}

	if rule.literal == "" {
		return Rule{}, errEmptyRule
	}
	return rule, nil
}

// matches evaluates the rule against a candidate URL. defaultPorts enables
// scheme-based port defaulting for exact rules (443 for https, 80 for http)
// when the candidate carries no explicit port; the external-domain check uses
// this, the plain allow check does not.
func (r Rule) matches(c candidate, defaultPorts bool) bool {
	switch r.kind {
	case KindContains:
		return strings.Contains(c.full, r.literal) || strings.Contains(c.canonical, r.literal)
	case KindPrefix:
		return strings.HasPrefix(c.cleaned, r.literal)
	case KindSuffix:
		return r.matchesSuffix(c)
	case KindExact:
		return r.matchesExact(c, defaultPorts)
	}
	return false
}

func (r Rule) matchesSuffix(c candidate) bool {
	// `*.domain` matches the bare domain as well as any subdomain
	if strings.HasPrefix(r.literal, ".") {
		bare := strings.TrimPrefix(r.literal, ".")
		if c.host == bare || strings.HasSuffix(c.host, r.literal) {
			return true
		}
	}
	return strings.HasSuffix(c.cleaned, r.literal)
}

func (r Rule) matchesExact(c candidate, defaultPorts bool) bool {
	if c.scheme != r.scheme || c.host != r.host {
		return false
	}
	if !r.hasPort {
		// a pattern without an explicit port is port-flexible
		return true
	}
	port := c.port
	if port == "" && defaultPorts {
		switch c.scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return port == r.port
}
