package export

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/width"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// Mode names the single kind of work filter in effect.
type Mode string

// Filter modes.
const (
	ModeNone   Mode = ""
	ModeActor  Mode = "actor"
	ModeCode   Mode = "code"
	ModeSeries Mode = "series"
)

// ParseMode validates a configured filter mode.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeNone, ModeActor, ModeCode, ModeSeries:
		return m, nil
	case "none", "all":
		return ModeNone, nil
	default:
		return "", fmt.Errorf("unknown filter mode %q", raw)
	}
}

// WorkFilter selects works by owner name, code keyword or series prefix.
// Only the highest-priority non-empty list applies: actors, then code
// keywords, then series prefixes.
type WorkFilter struct {
	Actors         []string
	CodeKeywords   []string
	SeriesPrefixes []string
}

// NewWorkFilter builds a filter whose single active list is values.
func NewWorkFilter(mode Mode, values ...string) WorkFilter {
	list := SplitList(values...)
	switch mode {
	case ModeActor:
		return WorkFilter{Actors: list}
	case ModeCode:
		return WorkFilter{CodeKeywords: list}
	case ModeSeries:
		return WorkFilter{SeriesPrefixes: list}
	default:
		return WorkFilter{}
	}
}

// SplitList splits every value on ASCII and full-width commas, trims the
// parts and drops blanks and duplicates while preserving order. Parts are
// otherwise kept as written; actor names must match the stored name exactly.
func SplitList(values ...string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(strings.ReplaceAll(value, "，", ","), ",") {
			part = strings.TrimSpace(part)
			if part == "" || slices.Contains(out, part) {
				continue
			}
			out = append(out, part)
		}
	}
	return out
}

// ForActor restricts works to a single owner. name is not split on commas.
func ForActor(name string) WorkFilter {
	if name = strings.TrimSpace(name); name == "" {
		return WorkFilter{}
	}
	return WorkFilter{Actors: []string{name}}
}

// Mode reports which list is in effect.
func (f WorkFilter) Mode() Mode {
	switch {
	case len(f.Actors) > 0:
		return ModeActor
	case len(f.CodeKeywords) > 0:
		return ModeCode
	case len(f.SeriesPrefixes) > 0:
		return ModeSeries
	default:
		return ModeNone
	}
}

// Active reports whether any list is set.
func (f WorkFilter) Active() bool {
	return f.Mode() != ModeNone
}

// Match reports whether work passes the filter.
func (f WorkFilter) Match(work crawler.StoredWork) bool {
	code := foldCode(work.Code)
	switch f.Mode() {
	case ModeActor:
		return slices.Contains(f.Actors, work.OwnerName)
	case ModeCode:
		return slices.ContainsFunc(f.CodeKeywords, func(k string) bool {
			return strings.Contains(code, foldCode(k))
		})
	case ModeSeries:
		return slices.ContainsFunc(f.SeriesPrefixes, func(p string) bool {
			return strings.HasPrefix(code, foldCode(p))
		})
	default:
		return true
	}
}

// foldCode normalizes a work code for comparison: full-width ASCII is
// narrowed and letters are upper-cased.
func foldCode(s string) string {
	return strings.ToUpper(width.Fold.String(s))
}

// Apply returns the works that pass the filter, preserving order.
func (f WorkFilter) Apply(works []crawler.StoredWork) []crawler.StoredWork {
	if !f.Active() {
		return works
	}
	out := make([]crawler.StoredWork, 0, len(works))
	for _, w := range works {
		if f.Match(w) {
			out = append(out, w)
		}
	}
	return out
}

// String renders the active list for logs.
func (f WorkFilter) String() string {
	switch f.Mode() {
	case ModeActor:
		return "actor=" + strings.Join(f.Actors, ",")
	case ModeCode:
		return "code~" + strings.Join(f.CodeKeywords, ",")
	case ModeSeries:
		return "series^" + strings.Join(f.SeriesPrefixes, ",")
	default:
		return "all"
	}
}
