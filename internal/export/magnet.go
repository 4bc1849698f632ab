package export

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/width"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// MagnetPolicy ranks the magnets of one work.
type MagnetPolicy struct {
	// PreferredTags raise a magnet's rank for each tag it carries (case-insensitive).
	PreferredTags []string
	// MinSize and MaxSize bound the declared size in bytes; 0 disables a bound.
	MinSize int64
	MaxSize int64
}

// ParseSizeBound parses a human size such as "1.5GB"; "" means no bound.
func ParseSizeBound(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", raw, err)
	}
	return int64(n), nil
}

// Allowed reports whether m satisfies the size bounds. Magnets without a
// declared size only pass when no bound is set.
func (p MagnetPolicy) Allowed(m crawler.StoredMagnet) bool {
	if p.MinSize <= 0 && p.MaxSize <= 0 {
		return true
	}
	size := sizeOf(m)
	if size <= 0 {
		return false
	}
	if p.MinSize > 0 && size < p.MinSize {
		return false
	}
	if p.MaxSize > 0 && size > p.MaxSize {
		return false
	}
	return true
}

// Best picks the highest-ranked allowed magnet: most preferred-tag matches,
// then largest size, then most recently seen, then lowest URI.
func (p MagnetPolicy) Best(magnets []crawler.StoredMagnet) (crawler.StoredMagnet, bool) {
	preferred := make([]string, 0, len(p.PreferredTags))
	for _, tag := range p.PreferredTags {
		if tag = foldTag(tag); tag != "" {
			preferred = append(preferred, tag)
		}
	}
	candidates := make([]crawler.StoredMagnet, 0, len(magnets))
	for _, m := range magnets {
		if m.URI != "" && p.Allowed(m) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return crawler.StoredMagnet{}, false
	}
	best := slices.MinFunc(candidates, func(a, b crawler.StoredMagnet) int {
		if c := cmp.Compare(tagScore(b, preferred), tagScore(a, preferred)); c != 0 {
			return c
		}
		if c := cmp.Compare(sizeOf(b), sizeOf(a)); c != 0 {
			return c
		}
		if c := b.SeenAt.Compare(a.SeenAt); c != 0 {
			return c
		}
		return cmp.Compare(a.URI, b.URI)
	})
	return best, true
}

func tagScore(m crawler.StoredMagnet, preferred []string) int {
	score := 0
	for _, tag := range m.Tags {
		if slices.Contains(preferred, foldTag(tag)) {
			score++
		}
	}
	return score
}

func sizeOf(m crawler.StoredMagnet) int64 {
	if m.SizeBytes > 0 {
		return m.SizeBytes
	}
	return crawler.ParseSize(m.Size)
}

func foldTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(width.Fold.String(tag)))
}
