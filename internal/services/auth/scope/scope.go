// Package scope implements OAuth scope sets: unordered, duplicate-free
// collections of scope codes with a stable sorted serialization.
package scope

import (
	"sort"
	"strings"
)

// Set is a collection of scope codes with set semantics.
type Set map[string]struct{}

// New builds a set from codes, trimming blanks and collapsing duplicates.
func New(codes ...string) Set {
	set := make(Set, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		set[code] = struct{}{}
	}
	return set
}

// Parse splits a space-delimited scope parameter (RFC 6749 §3.3).
func Parse(value string) Set {
	return New(strings.Fields(value)...)
}

// Has reports whether code is in the set.
func (s Set) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// Covers reports whether every member of requested is in s.
func (s Set) Covers(requested Set) bool {
	for code := range requested {
		if !s.Has(code) {
			return false
		}
	}
	return true
}

// Union returns a new set holding members of s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for code := range s {
		out[code] = struct{}{}
	}
	for code := range other {
		out[code] = struct{}{}
	}
	return out
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for code := range s {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// String renders the set as a space-delimited scope parameter.
func (s Set) String() string {
	return strings.Join(s.Sorted(), " ")
}

// Normalize returns codes deduplicated and sorted.
func Normalize(codes []string) []string {
	return New(codes...).Sorted()
}
