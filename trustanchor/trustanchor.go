// Package trustanchor maintains the front end's copy of the DNSSEC trust
// anchor set: the list of root DNSKEY records forwarded to the resolver on
// startup and whenever a set delivered by the resolver changes it (spec.md
// §4.7).
package trustanchor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// RootKSK2017 is the 2017 KSK-2017 root trust anchor, carried as a
// compile-time fallback the same way the original seeds trust_anchors with
// a literal KSK2017 string before any file or resolver delivery arrives
// (spec.md §4.7: "ship a built-in fallback").
const RootKSK2017 = ". IN DNSKEY 257 3 8 AwEAAaz/tAm8yTn4Mfeh5eyI96WSVexTBAvkMgJzkKTOiW1vkIbzxeF3+/4RgWOq7HrxRixHlFlExOLAJr5emLvN7SWXgnLh4+B5xQlNVz8Og8kvArMtNROxVQuCaSnIDdD5LKyWbRd2n9WGe2R8PzgCmr3EgVLrjyBxWezF0jLHwVN8efS3rCj/EWgvIWgb9tarpVUDK/b58Da+sqqls3eNbuv7pr+eoZG+SrDK6nWeL3c6H5Apxz7LjVc1uTIdsIXxuOLYA4/ilBmSVIzuDWfdRUfhHdY6+cn8HFRm+2hM8AnXGXws9555KrUB5qihylGa8subX2Nn6UwNR1AkUTV74bU="

// Anchor is one trust-anchor line, verbatim in the zone-file presentation
// format the resolver itself expects to parse.
type Anchor string

// Store holds the front end's current trust-anchor set, kept sorted so
// that unchanged content produces identical ordering across reloads
// (spec.md §4.7: "keep the list sorted to avoid resolver churn on
// re-delivery").
type Store struct {
	mu  sync.Mutex
	tas []Anchor
}

// New returns a Store seeded with RootKSK2017, the way the original starts
// trust_anchors with add_new_ta(&trust_anchors, KSK2017) at frontend_init
// time.
func New() *Store {
	s := &Store{}
	s.Add(Anchor(RootKSK2017))
	return s
}

// Add inserts val into the sorted set, silently ignoring an exact
// duplicate (spec.md §4.7 Invariant I8).
func (s *Store) Add(val Anchor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(val)
}

func (s *Store) addLocked(val Anchor) {
	i := sort.Search(len(s.tas), func(i int) bool { return s.tas[i] >= val })
	if i < len(s.tas) && s.tas[i] == val {
		return
	}
	s.tas = append(s.tas, "")
	copy(s.tas[i+1:], s.tas[i:])
	s.tas[i] = val
}

// Snapshot returns a copy of the current sorted anchor set.
func (s *Store) Snapshot() []Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Anchor, len(s.tas))
	copy(out, s.tas)
	return out
}

// DiffAndSwap compares candidate against the current set (both assumed
// sorted) and, if they differ, replaces the current set with candidate. It
// reports whether a change occurred, mirroring merge_tas's churn-detecting
// comparison so that an unchanged delivery from the resolver does not
// trigger a gratuitous rewrite of the persisted file (spec.md §4.7).
func (s *Store) DiffAndSwap(candidate []Anchor) bool {
	sorted := make([]Anchor, len(candidate))
	copy(sorted, candidate)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := len(sorted) != len(s.tas)
	if !changed {
		for i := range sorted {
			if sorted[i] != s.tas[i] {
				changed = true
				break
			}
		}
	}
	if changed {
		s.tas = sorted
	}
	return changed
}

// Parse reads r line by line, keeping only lines that parse as a DNSKEY RR
// (spec.md §4.7: parse_trust_anchor only keeps DNSKEY records, discarding
// comments, blank lines, and any other RR type). It does not mutate the
// Store; call Add or DiffAndSwap with the result.
func Parse(r io.Reader) ([]Anchor, error) {
	var out []Anchor
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		rr, err := dns.NewRR(line)
		if err != nil || rr == nil {
			continue
		}
		if _, ok := rr.(*dns.DNSKEY); !ok {
			continue
		}
		out = append(out, Anchor(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("trustanchor: parse: %w", err)
	}
	return out, nil
}

// Persist rewrites f in place with the current anchor set, one RR per
// line: seek to the start, write, truncate to the new length, fsync, the same sequence
// write_trust_anchors runs on ta_fd (lseek, write, ftruncate, fsync) so the
// file's mtime keeps acting as a liveness indicator even when the set is
// unchanged from the last write (spec.md §4.7, §6).
func (s *Store) Persist(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("trustanchor: persist: seek: %w", err)
	}

	bw := bufio.NewWriter(f)
	for _, ta := range s.Snapshot() {
		if _, err := fmt.Fprintf(bw, "%s\n", ta); err != nil {
			return fmt.Errorf("trustanchor: persist: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("trustanchor: persist: %w", err)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("trustanchor: persist: tell: %w", err)
	}
	if err := f.Truncate(pos); err != nil {
		return fmt.Errorf("trustanchor: persist: truncate: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("trustanchor: persist: fsync: %w", err)
	}
	return nil
}
