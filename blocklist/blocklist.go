// Package blocklist holds the set of domain names the front end refuses
// with RCODE REFUSED before a query ever reaches the resolver (spec.md
// §4.8).
package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/semihalev/zlog/v2"
)

// List is a case-insensitive set of fully-qualified domain names, safe for
// concurrent lookup while a reload is in progress (spec.md §4.8 Invariant
// I9: "lookups during a reload see either the old set or the new set, in
// full, never a partial one").
type List struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// New returns an empty List.
func New() *List {
	return &List{set: make(map[string]struct{})}
}

// Len reports the number of entries currently loaded.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.set)
}

// Contains reports whether name (any case, with or without a trailing dot)
// is on the list.
func (l *List) Contains(name string) bool {
	key := normalize(name)
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.set[key]
	return ok
}

// Reload replaces the list's contents by reading one domain name per
// non-empty line from r, exactly the way parse_blocklist rebuilds bl_tree
// from scratch on every delivery of a fresh blocklist fd (spec.md §4.8). A
// duplicate entry is logged and otherwise ignored rather than treated as
// an error.
func (l *List) Reload(r io.Reader) error {
	next := make(map[string]struct{})

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key := normalize(line)
		if _, dup := next[key]; dup {
			zlog.Warn("blocklist: duplicate entry", zlog.String("domain", key))
			continue
		}
		next[key] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("blocklist: reload: %w", err)
	}

	l.mu.Lock()
	l.set = next
	l.mu.Unlock()
	return nil
}

// normalize lower-cases name and ensures it is dot-terminated, matching
// the original's "append a trailing dot unless one is already there"
// normalization performed while reading the blocklist file.
func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return name
	}
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}
