// Package dimension turns the target's collection listings into lazy
// sequences of entities and works. One Adapter serves every scope; scopes
// differ only in their Variant data. The adapter never writes to storage.
package dimension

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// Variant holds the per-scope URL template and extraction rules.
type Variant struct {
	Scope          crawler.Scope
	ListingPath    string
	EntitySelector string
	// ExpectSelector must be present on a genuine listing page.
	ExpectSelector string
	extract        func(sel *goquery.Selection) (name, href string)
}

var variants = map[crawler.Scope]Variant{
	crawler.ScopeActor: {
		Scope:          crawler.ScopeActor,
		ListingPath:    "/users/collection_actors",
		EntitySelector: "div#actors div.box.actor-box",
		extract:        extractActorBox,
	},
	crawler.ScopeSeries:   collectionVariant(crawler.ScopeSeries, "/users/collection_series"),
	crawler.ScopeMaker:    collectionVariant(crawler.ScopeMaker, "/users/collection_makers"),
	crawler.ScopeDirector: collectionVariant(crawler.ScopeDirector, "/users/collection_directors"),
	crawler.ScopeCode:     collectionVariant(crawler.ScopeCode, "/users/collection_codes"),
}

func collectionVariant(scope crawler.Scope, path string) Variant {
	return Variant{
		Scope:          scope,
		ListingPath:    path,
		EntitySelector: "section a[href]",
		ExpectSelector: "section",
		extract:        extractAnchor,
	}
}

// VariantFor returns the rules for scope.
func VariantFor(scope crawler.Scope) (Variant, error) {
	v, ok := variants[scope]
	if !ok {
		return Variant{}, fmt.Errorf("no dimension variant for scope %q", scope)
	}
	return v, nil
}

func extractActorBox(box *goquery.Selection) (string, string) {
	anchor := box.Find("a[href]").First()
	if anchor.Length() == 0 {
		return "", ""
	}
	href, _ := anchor.Attr("href")
	name := cleanText(box.Find("strong").First().Text())
	if name == "" {
		name = cleanText(anchor.Text())
	}
	if name == "" {
		name, _ = anchor.Attr("title")
		name = cleanText(name)
	}
	return name, strings.TrimSpace(href)
}

func extractAnchor(anchor *goquery.Selection) (string, string) {
	href, _ := anchor.Attr("href")
	name := cleanText(anchor.Find("strong").First().Text())
	if name == "" {
		name = cleanText(anchor.Text())
	}
	if name == "" {
		name, _ = anchor.Attr("title")
		name = cleanText(name)
	}
	return name, strings.TrimSpace(href)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
