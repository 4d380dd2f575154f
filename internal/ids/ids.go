// Package ids derives human-readable, collision-free run identifiers from
// queries. The shape is "<slug>-<hash>", with "-N" appended on collision.
package ids

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

const maxSlugLen = 48

// RunIDs issues run identifiers. Safe for concurrent use.
type RunIDs struct {
	mu   sync.Mutex
	seen map[string]int // base id -> highest suffix issued (1 = bare id)
	used map[string]struct{}
}

func NewRunIDs(existing ...string) *RunIDs {
	g := &RunIDs{
		seen: make(map[string]int, len(existing)+8),
		used: make(map[string]struct{}, len(existing)+8),
	}
	for _, id := range existing {
		if id = strings.TrimSpace(id); id != "" {
			g.used[id] = struct{}{}
		}
	}
	return g
}

// Next returns a unique run id derived from the query.
func (g *RunIDs) Next(query string) string {
	base := baseID(query)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[base] == 0 {
		if _, taken := g.used[base]; !taken {
			g.seen[base] = 1
			g.used[base] = struct{}{}
			return base
		}
		g.seen[base] = 1
	}
	for n := g.seen[base] + 1; ; n++ {
		id := fmt.Sprintf("%s-%d", base, n)
		if _, taken := g.used[id]; taken {
			continue
		}
		g.seen[base] = n
		g.used[id] = struct{}{}
		return id
	}
}

func baseID(query string) string {
	slug := slugify(query)
	if slug == "" {
		slug = "run"
	}
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug + "-" + shortHash(query)
}

func shortHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%08x", uint32(h.Sum64()))
}

func slugify(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, "-")
}
