package dimension

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// maxWorkPages bounds a single entity's works pagination.
const maxWorkPages = 500

// FetchContext carries what every adapter call needs to reach the site.
type FetchContext struct {
	Fetcher crawler.Fetcher
	Session *crawler.Session
	// Stage labels the fetch history entries.
	Stage crawler.Stage
	// WorkTags, when set, restricts works listings to these tags.
	WorkTags []string
}

// ListingPage is one page of a collection listing.
type ListingPage struct {
	Page     int
	URL      string
	Entities []crawler.Entity
	HasNext  bool
}

// Adapter paginates one scope's listings.
type Adapter struct {
	variant Variant
	logger  *zap.Logger
}

// New builds an Adapter for scope.
func New(scope crawler.Scope, logger *zap.Logger) (*Adapter, error) {
	v, err := VariantFor(scope)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{variant: v, logger: logger.With(zap.String("scope", string(scope)))}, nil
}

// Scope returns the adapter's scope.
func (a *Adapter) Scope() crawler.Scope {
	return a.variant.Scope
}

// Variant returns the adapter's extraction rules.
func (a *Adapter) Variant() Variant {
	return a.variant
}

// ListCollectionEntities yields listing pages starting at fromPage (1-based).
// The sequence ends after a page without a next link or without entities, or
// after the first error.
func (a *Adapter) ListCollectionEntities(ctx context.Context, fc FetchContext, fromPage int) iter.Seq2[ListingPage, error] {
	if fromPage < 1 {
		fromPage = 1
	}
	return func(yield func(ListingPage, error) bool) {
		for page := fromPage; ; page++ {
			if err := ctx.Err(); err != nil {
				yield(ListingPage{}, err)
				return
			}
			target := pageURL(fc.Session.BaseURL(), a.variant.ListingPath, page)
			resp, err := fc.Fetcher.Fetch(ctx, crawler.FetchRequest{
				URL:            target,
				Session:        fc.Session,
				ExpectSelector: a.variant.ExpectSelector,
				Stage:          fc.Stage,
				Scope:          a.variant.Scope,
			})
			if err != nil {
				yield(ListingPage{Page: page, URL: target}, fmt.Errorf("fetch listing page %d: %w", page, err))
				return
			}
			entities, err := a.variant.ParseEntities(resp.Body, fc.Session.Resolve)
			if err != nil {
				yield(ListingPage{Page: page, URL: target}, fmt.Errorf("listing page %d: %w", page, err))
				return
			}
			_, hasNext := NextHref(resp.Body)
			a.logger.Debug("Listing page parsed",
				zap.Int("page", page),
				zap.Int("entities", len(entities)),
				zap.Bool("has_next", hasNext),
			)
			if len(entities) == 0 {
				return
			}
			if !yield(ListingPage{Page: page, URL: target, Entities: entities, HasNext: hasNext}, nil) {
				return
			}
			if !hasNext {
				return
			}
		}
	}
}

// ListWorks yields the works of one entity across all of its pages.
// Works repeated on later pages are yielded once.
func (a *Adapter) ListWorks(ctx context.Context, fc FetchContext, entity crawler.Entity) iter.Seq2[crawler.WorkRecord, error] {
	return func(yield func(crawler.WorkRecord, error) bool) {
		start, err := fc.Session.Resolve(entity.Href)
		if err == nil {
			start, err = withTags(start, fc.WorkTags)
		}
		if err != nil {
			yield(crawler.WorkRecord{}, fmt.Errorf("%w: entity %q: %v", ErrParse, entity.Name, err))
			return
		}
		seenPages := map[string]bool{}
		seenCodes := map[string]bool{}
		for target, page := start, 1; target != "" && page <= maxWorkPages; page++ {
			if err := ctx.Err(); err != nil {
				yield(crawler.WorkRecord{}, err)
				return
			}
			seenPages[target] = true
			resp, err := fc.Fetcher.Fetch(ctx, crawler.FetchRequest{
				URL:     target,
				Session: fc.Session,
				Stage:   fc.Stage,
				Scope:   a.variant.Scope,
				Entity:  entity.Name,
			})
			if err != nil {
				yield(crawler.WorkRecord{}, fmt.Errorf("fetch works of %q page %d: %w", entity.Name, page, err))
				return
			}
			works, err := ParseWorks(resp.Body, fc.Session.Resolve)
			if err != nil {
				yield(crawler.WorkRecord{}, fmt.Errorf("works of %q page %d: %w", entity.Name, page, err))
				return
			}
			for _, w := range works {
				if seenCodes[w.Code] {
					continue
				}
				seenCodes[w.Code] = true
				if !yield(w, nil) {
					return
				}
			}
			next, ok := NextHref(resp.Body)
			if !ok || len(works) == 0 {
				return
			}
			if target, err = fc.Session.Resolve(next); err != nil || seenPages[target] {
				return
			}
		}
	}
}

// FetchMagnets retrieves and parses the magnet list of one work page.
func FetchMagnets(ctx context.Context, fc FetchContext, scope crawler.Scope, work crawler.StoredWork) ([]crawler.MagnetRecord, error) {
	target, err := fc.Session.Resolve(work.Href)
	if err != nil {
		return nil, fmt.Errorf("%w: work %s: %v", ErrParse, work.Code, err)
	}
	resp, err := fc.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:            target,
		Session:        fc.Session,
		ExpectSelector: "#magnets-content",
		Stage:          fc.Stage,
		Scope:          scope,
		Entity:         work.Code,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch magnets of %s: %w", work.Code, err)
	}
	magnets, err := ParseMagnets(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("magnets of %s: %w", work.Code, err)
	}
	return magnets, nil
}
