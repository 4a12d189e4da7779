// Package strategy maps request paths to caching strategies.
package strategy

import (
	"fmt"
	"regexp"
)

// Name identifies a caching strategy.
type Name string

const (
	NetworkFirst         Name = "network-first"
	CacheFirst           Name = "cache-first"
	StaleWhileRevalidate Name = "stale-while-revalidate"
)

// Order is the fixed evaluation order of the rule groups.
var Order = []Name{NetworkFirst, CacheFirst, StaleWhileRevalidate}

// Default applies when no pattern matches.
const Default = NetworkFirst

// Table holds the raw pattern groups as they appear in configuration.
type Table struct {
	NetworkFirst         []string `yaml:"networkFirst"`
	CacheFirst           []string `yaml:"cacheFirst"`
	StaleWhileRevalidate []string `yaml:"staleWhileRevalidate"`
}

// DefaultTable returns the stock rule table.
func DefaultTable() Table {
	return Table{
		NetworkFirst: []string{
			`^/api/`,
			`^/services`,
			`^/contact`,
		},
		CacheFirst: []string{
			`\.(?:js|css|woff2?)$`,
			`^/assets/`,
			`^/images/`,
		},
		StaleWhileRevalidate: []string{
			`\.(?:png|jpg|jpeg|svg|gif|webp|avif)$`,
		},
	}
}

// IsZero reports whether no group holds a pattern.
func (t Table) IsZero() bool {
	return len(t.NetworkFirst) == 0 && len(t.CacheFirst) == 0 && len(t.StaleWhileRevalidate) == 0
}

// Patterns returns the patterns of the named group.
func (t Table) Patterns(n Name) []string {
	switch n {
	case NetworkFirst:
		return t.NetworkFirst
	case CacheFirst:
		return t.CacheFirst
	case StaleWhileRevalidate:
		return t.StaleWhileRevalidate
	}
	return nil
}

type group struct {
	name     Name
	patterns []*regexp.Regexp
}

// Selector is an immutable compiled rule table.
type Selector struct {
	groups []group
}

// Compile validates every pattern of t and returns a Selector.
func Compile(t Table) (*Selector, error) {
	s := &Selector{}
	for _, n := range Order {
		g := group{name: n}
		for i, p := range t.Patterns(n) {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", n, i, err)
			}
			g.patterns = append(g.patterns, re)
		}
		s.groups = append(s.groups, g)
	}
	return s, nil
}

// MustCompile is like Compile but panics on an invalid pattern.
func MustCompile(t Table) *Selector {
	s, err := Compile(t)
	if err != nil {
		panic(err)
	}
	return s
}

// Select returns the strategy of the first group holding a pattern that matches path.
func (s *Selector) Select(path string) Name {
	for _, g := range s.groups {
		for _, re := range g.patterns {
			if re.MatchString(path) {
				return g.name
			}
		}
	}
	return Default
}
