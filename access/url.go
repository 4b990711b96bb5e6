package access

import (
	"net/url"
	"strings"
)

// candidate carries the precomputed forms of a URL that the different rule
// kinds match against. All forms are lowercased.
type candidate struct {
	// full is the original URL, percent-decoded but with query and
	// fragment intact. Substring rules match against this.
	full string
	// cleaned has the query string and fragment stripped.
	cleaned string
	// canonical is the scheme://host[:port] form.
	canonical string

	scheme string
	host   string
	port   string
	path   string
}

func newCandidate(rawURL string) candidate {
	decoded := percentDecode(rawURL)
	c := candidate{
		full:    strings.ToLower(decoded),
		cleaned: strings.ToLower(stripQueryAndFragment(decoded)),
	}
	if u, err := url.Parse(strings.TrimSpace(rawURL)); err == nil {
		c.scheme = strings.ToLower(u.Scheme)
		c.host = strings.ToLower(u.Hostname())
		c.port = u.Port()
		c.path = u.Path
		c.canonical = c.scheme + "://" + strings.ToLower(u.Host)
	}
	return c
}

// percentDecode is best-effort: a URL that fails to decode is matched
// in its raw form rather than rejected.
func percentDecode(s string) string {
	if decoded, err := url.PathUnescape(s); err == nil {
		return decoded
	}
	return s
}

// stripQueryAndFragment cuts the URL at the first `?` or `#`. The input is
// already percent-decoded, so encoded separator sequences are cut as well.
func stripQueryAndFragment(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}
