// Package export selects the best magnet of each stored work and writes one
// text file of magnet URIs per owner.
package export

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

// Source is the read side of the store the exporter needs.
type Source interface {
	ListWorks(ctx context.Context, scope crawler.Scope, afterID, ownerID int64) ([]crawler.StoredWork, error)
	ListMagnets(ctx context.Context, scope crawler.Scope, workID int64) ([]crawler.StoredMagnet, error)
}

// ObjectWriter persists an export file.
type ObjectWriter interface {
	PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error)
}

// Config wires an Exporter.
type Config struct {
	Filter  WorkFilter
	Policy  MagnetPolicy
	History progress.Emitter
	Hasher  crawler.Hasher
	Logger  *zap.Logger
}

// Action exports one magnet for one work.
type Action struct {
	Scope crawler.Scope `json:"scope"`
	Owner string        `json:"owner"`
	Code  string        `json:"code"`
	URI   string        `json:"uri"`
}

// Result summarizes one export pass.
type Result struct {
	Works    int      `json:"works"`
	Exported int      `json:"exported"`
	Missing  int      `json:"missing"`
	Files    []string `json:"files"`
}

// Exporter plans and writes magnet exports. It never writes to the store.
type Exporter struct {
	src     Source
	out     ObjectWriter
	cfg     Config
	logger  *zap.Logger
	history progress.Emitter
}

// New constructs an Exporter.
func New(src Source, out ObjectWriter, cfg Config) *Exporter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	history := cfg.History
	if history == nil {
		history = progress.Nop
	}
	return &Exporter{src: src, out: out, cfg: cfg, logger: logger, history: history}
}

// WithFilter returns a copy of e that selects works with f.
func (e *Exporter) WithFilter(f WorkFilter) *Exporter {
	cp := *e
	cp.cfg.Filter = f
	return &cp
}

// Plan returns one action per selected work that has an eligible magnet,
// ordered by owner then code, and the number of selected works without one.
func (e *Exporter) Plan(ctx context.Context, scope crawler.Scope) ([]Action, int, error) {
	works, err := e.src.ListWorks(ctx, scope, 0, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("list works: %w", err)
	}
	works = e.cfg.Filter.Apply(works)

	actions := make([]Action, 0, len(works))
	missing := 0
	for _, work := range works {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		magnets, err := e.src.ListMagnets(ctx, scope, work.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("list magnets of %s: %w", work.Code, err)
		}
		best, ok := e.cfg.Policy.Best(magnets)
		if !ok {
			missing++
			e.logger.Debug("No eligible magnet",
				zap.String("scope", string(scope)),
				zap.String("owner", work.OwnerName),
				zap.String("code", work.Code),
				zap.Int("candidates", len(magnets)),
			)
			continue
		}
		actions = append(actions, Action{Scope: scope, Owner: work.OwnerName, Code: work.Code, URI: best.URI})
	}
	slices.SortStableFunc(actions, func(a, b Action) int {
		if c := cmp.Compare(a.Owner, b.Owner); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})
	return actions, missing, nil
}

// Export plans scope and writes <scope>/<owner>.txt for every owner with at
// least one action.
func (e *Exporter) Export(ctx context.Context, scope crawler.Scope) (Result, error) {
	actions, missing, err := e.Plan(ctx, scope)
	if err != nil {
		return Result{}, err
	}
	res := Result{Works: len(actions) + missing, Missing: missing}

	names := fileNamer{}
	for owner, group := range groupByOwner(actions) {
		var buf bytes.Buffer
		for _, a := range group {
			buf.WriteString(a.URI)
			buf.WriteByte('\n')
		}
		body := buf.Bytes()
		name := path.Join(SanitizeFilename(string(scope), "scope"), names.unique(SanitizeFilename(owner, "owner"))+".txt")
		uri, err := e.out.PutObject(ctx, name, "text/plain; charset=utf-8", bytes.NewReader(body))
		if err != nil {
			return res, fmt.Errorf("write export %s: %w", name, err)
		}
		res.Exported += len(group)
		res.Files = append(res.Files, uri)

		note := "file=" + uri
		if e.cfg.Hasher != nil {
			if digest, hashErr := e.cfg.Hasher.Hash(body); hashErr == nil {
				note += " sha256=" + digest
			}
		}
		e.history.Emit(progress.Event{
			Kind:   progress.KindExport,
			Stage:  string(crawler.StageFilterExport),
			Scope:  string(scope),
			Entity: owner,
			Bytes:  int64(len(body)),
			Note:   note,
		})
		e.logger.Info("Exported magnets",
			zap.String("scope", string(scope)),
			zap.String("owner", owner),
			zap.Int("works", len(group)),
			zap.String("file", uri),
		)
	}
	return res, nil
}

// groupByOwner yields consecutive runs of actions sharing an owner; actions
// must already be sorted by owner.
func groupByOwner(actions []Action) func(yield func(string, []Action) bool) {
	return func(yield func(string, []Action) bool) {
		for start := 0; start < len(actions); {
			end := start + 1
			for end < len(actions) && actions[end].Owner == actions[start].Owner {
				end++
			}
			if !yield(actions[start].Owner, actions[start:end]) {
				return
			}
			start = end
		}
	}
}

// fileNamer hands out distinct file names within one export directory.
// Owners whose names sanitize alike get a numeric suffix in owner order.
// Keys are case-folded for case-insensitive filesystems.
type fileNamer map[string]bool

func (n fileNamer) unique(base string) string {
	name := base
	for i := 2; n[strings.ToLower(name)]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	n[strings.ToLower(name)] = true
	return name
}

// SanitizeFilename replaces characters that are invalid in file names on
// common filesystems and falls back to def when nothing is left.
func SanitizeFilename(value, def string) string {
	safe := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`\/:*?"<>|`, r) {
			return '_'
		}
		return r
	}, value)
	safe = strings.Trim(strings.TrimSpace(safe), "_")
	if safe == "" || safe == "." || safe == ".." {
		return def
	}
	return safe
}
