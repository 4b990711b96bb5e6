// Package access gates navigation and resource loads against a configured
// allow-list of glob-like URL patterns. Patterns are compiled once per
// configuration load; every request evaluates the precompiled rules only.
package access

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultLocalContentPrefix is the reserved marker path for content served
// by the embedded local content server. URLs under this path on a loopback
// host bypass the allow-list entirely, so the app's own locally-generated
// content is never blocked by a user-authored pattern set.
const DefaultLocalContentPrefix = "/.app-content/"

type Config struct {
	// Enabled turns the access control gate on. When false, IsAllowed
	// passes everything and IsExternalDomain reports nothing as external.
	Enabled bool
	// AllowedPatterns is the ordered allow-list. An empty list with access
	// control enabled denies everything.
	AllowedPatterns []string
	// LocalContentPrefix overrides DefaultLocalContentPrefix when non-empty.
	LocalContentPrefix string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Policy is the compiled access-control decision logic. It is immutable
// after construction and safe for concurrent use.
type Policy struct {
	enabled     bool
	rules       []Rule
	localPrefix string
	log         zerolog.Logger
}

func New(config Config) *Policy {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	prefix := config.LocalContentPrefix
	if prefix == "" {
		prefix = DefaultLocalContentPrefix
	}
	p := &Policy{
		enabled:     config.Enabled,
		localPrefix: prefix,
		log:         logger,
	}
	for _, pattern := range config.AllowedPatterns {
		rule, err := compileRule(pattern)
		if err != nil {
			p.log.Warn().Err(err).Str("pattern", pattern).Msg("Skipping access rule")
			continue
		}
		p.rules = append(p.rules, rule)
	}
	return p
}

// IsAllowed reports whether a navigation or resource load may target the URL.
func (p *Policy) IsAllowed(rawURL string) bool {
	if !p.enabled {
		return true
	}
	if len(p.rules) == 0 {
		return false
	}
	c := newCandidate(rawURL)
	if p.isLocalContent(c) {
		return true
	}
	for _, rule := range p.rules {
		if rule.matches(c, false) {
			return true
		}
	}
	return false
}

// IsExternalDomain reports whether the URL falls outside the allow-list.
// With access control disabled nothing is external; with an empty allow-list
// everything is. Unlike IsAllowed, exact rules default the candidate port
// from the scheme when the pattern carries an explicit port.
func (p *Policy) IsExternalDomain(rawURL string) bool {
	if !p.enabled {
		return false
	}
	if len(p.rules) == 0 {
		return true
	}
	c := newCandidate(rawURL)
	if p.isLocalContent(c) {
		return false
	}
	for _, rule := range p.rules {
		if rule.matches(c, true) {
			return false
		}
	}
	return true
}

// Rules returns the compiled rule set, mainly for diagnostics.
func (p *Policy) Rules() []Rule {
	return p.rules
}

func (p *Policy) isLocalContent(c candidate) bool {
	if !isLoopbackHost(c.host) {
		return false
	}
	return hasPathPrefix(c.path, p.localPrefix)
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func hasPathPrefix(path, prefix string) bool {
	if len(path) < len(prefix) {
		// the marker directory itself also qualifies
		return path+"/" == prefix
	}
	return path[:len(prefix)] == prefix
}
