// Package watch implements the watch-domain matcher (C3): deciding, per
// hostname, whether the MITM path or the opaque tunnel path applies.
package watch

import (
	"strings"
	"sync/atomic"
)

// Matcher holds a runtime-swappable, ordered list of case-insensitive
// substrings. A hostname matches if any non-empty substring occurs in it;
// empty entries never match. The list
// can be replaced atomically while connections are being matched
// concurrently; a given connection sees whichever list was current at the
// moment it called Matches.
type Matcher struct {
	domains atomic.Pointer[[]string]
}

// NewMatcher builds a Matcher seeded with the given domains.
func NewMatcher(domains []string) *Matcher {
	m := &Matcher{}
	m.Set(domains)
	return m
}

// Set atomically replaces the watch-domain list.
func (m *Matcher) Set(domains []string) {
	lowered := make([]string, len(domains))
	for i, d := range domains {
		lowered[i] = strings.ToLower(d)
	}
	m.domains.Store(&lowered)
}

// Domains returns the currently active watch-domain list.
func (m *Matcher) Domains() []string {
	p := m.domains.Load()
	if p == nil {
		return nil
	}
	out := make([]string, len(*p))
	copy(out, *p)
	return out
}

// Matches reports whether hostname is watched: true iff at least one
// configured non-empty substring occurs in hostname.ToLower().
func (m *Matcher) Matches(hostname string) bool {
	p := m.domains.Load()
	if p == nil {
		return false
	}
	lowered := strings.ToLower(hostname)
	for _, sub := range *p {
		if sub == "" {
			continue
		}
		if strings.Contains(lowered, sub) {
			return true
		}
	}
	return false
}
