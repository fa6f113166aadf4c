// Package objectref maps event documents to the object store URLs their
// payloads reference, so the deletion scheduler knows which physical files
// to remove alongside logical records. Resolution is a pure function of
// the configured prefix rules.
package objectref

import (
	"strings"

	"github.com/c360/eventstore/docstore"
)

// Resolver decides which referenced URLs belong to storage this deployment
// owns. URLs outside the configured prefixes are foreign and left alone.
type Resolver struct {
	prefixes []string
}

// NewResolver creates a resolver from the configured URL prefixes. Empty
// or whitespace prefixes are dropped.
func NewResolver(urlPrefixes []string) *Resolver {
	prefixes := make([]string, 0, len(urlPrefixes))
	for _, p := range urlPrefixes {
		p = strings.TrimSpace(p)
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return &Resolver{prefixes: prefixes}
}

// Resolve returns the deletable object store URLs referenced by the event:
// zero or one today (the debug image or stored plot artifact), but callers
// must not assume an upper bound.
func (r *Resolver) Resolve(ev docstore.Event) []string {
	if ev.URL == "" {
		return nil
	}
	if !r.owned(ev.URL) {
		return nil
	}
	return []string{ev.URL}
}

// ResolveBatch resolves a batch of events, deduplicating URLs while
// preserving first-seen order.
func (r *Resolver) ResolveBatch(events []docstore.Event) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, ev := range events {
		for _, u := range r.Resolve(ev) {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	return urls
}

func (r *Resolver) owned(url string) bool {
	for _, p := range r.prefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}
