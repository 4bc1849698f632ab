package dimension

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// ErrParse marks a page whose markup could not be read.
var ErrParse = errors.New("parse page")

var nextLabels = []string{"下一頁", "下一页", "Next"}

func parseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return doc, nil
}

// ParseEntities extracts the collection entities of one listing page,
// dropping duplicates by href. resolve turns hrefs absolute.
func (v Variant) ParseEntities(body []byte, resolve func(string) (string, error)) ([]crawler.Entity, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []crawler.Entity
	doc.Find(v.EntitySelector).Each(func(_ int, sel *goquery.Selection) {
		name, href := v.extract(sel)
		if name == "" || href == "" {
			return
		}
		if abs, err := resolve(href); err == nil {
			href = abs
		}
		if seen[href] {
			return
		}
		seen[href] = true
		out = append(out, crawler.Entity{Name: name, Href: href})
	})
	return out, nil
}

// ParseWorks extracts the works of one entity works page.
func ParseWorks(body []byte, resolve func(string) (string, error)) ([]crawler.WorkRecord, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	var out []crawler.WorkRecord
	doc.Find("div.movie-list > div > a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		titleNode := a.Find("div.video-title").First()
		code := cleanText(titleNode.Find("strong").First().Text())
		if code == "" || strings.TrimSpace(href) == "" {
			return
		}
		title := cleanText(strings.Replace(cleanText(titleNode.Text()), code, "", 1))
		if title == "" {
			title, _ = a.Attr("title")
			title = cleanText(title)
		}
		if abs, err := resolve(href); err == nil {
			href = abs
		}
		var tags []string
		a.Find(".tags span").Each(func(_ int, span *goquery.Selection) {
			if t := cleanText(span.Text()); t != "" {
				tags = append(tags, t)
			}
		})
		out = append(out, crawler.WorkRecord{Code: code, Title: title, Href: href, Tags: tags})
	})
	return out, nil
}

// ParseMagnets extracts the magnet links of one work page, deduplicated by URI.
func ParseMagnets(body []byte) ([]crawler.MagnetRecord, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}
	root := doc.Find("#magnets-content").First()
	if root.Length() == 0 {
		return nil, nil
	}
	var out []crawler.MagnetRecord
	root.ChildrenFiltered("div").Each(func(_ int, entry *goquery.Selection) {
		anchor := entry.Find("div.magnet-name a[href^='magnet:']").First()
		if anchor.Length() == 0 {
			anchor = entry.Find("a[href^='magnet:']").First()
		}
		uri, _ := anchor.Attr("href")
		uri = strings.TrimSpace(uri)
		if !strings.HasPrefix(uri, "magnet:") {
			return
		}
		var tags []string
		anchor.Find("div span").Each(func(_ int, span *goquery.Selection) {
			if span.HasClass("name") || span.HasClass("meta") {
				return
			}
			if t := cleanText(span.Text()); t != "" {
				tags = append(tags, t)
			}
		})
		out = append(out, crawler.MagnetRecord{
			URI:  uri,
			Name: cleanText(anchor.Find("span.name").First().Text()),
			Size: cleanText(anchor.Find("span.meta").First().Text()),
			Tags: tags,
		})
	})
	if len(out) == 0 {
		root.Find("a[href^='magnet:']").Each(func(_ int, a *goquery.Selection) {
			if uri, _ := a.Attr("href"); strings.TrimSpace(uri) != "" {
				out = append(out, crawler.MagnetRecord{URI: strings.TrimSpace(uri)})
			}
		})
	}
	return dedupeMagnets(out), nil
}

func dedupeMagnets(in []crawler.MagnetRecord) []crawler.MagnetRecord {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, m := range in {
		if seen[m.URI] {
			continue
		}
		seen[m.URI] = true
		out = append(out, m)
	}
	return out
}

// NextHref returns the href of the page's "next" link, if any.
func NextHref(body []byte) (string, bool) {
	doc, err := parseDocument(body)
	if err != nil {
		return "", false
	}
	return nextHref(doc)
}

func nextHref(doc *goquery.Document) (string, bool) {
	for _, sel := range []string{"a[rel=next]", "a.pagination-next"} {
		if href, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			return strings.TrimSpace(href), true
		}
	}
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := a.Text()
		for _, label := range nextLabels {
			if strings.Contains(text, label) {
				found, _ = a.Attr("href")
				found = strings.TrimSpace(found)
				return found == ""
			}
		}
		return true
	})
	return found, found != ""
}

// pageURL builds the listing URL for a 1-based page number.
func pageURL(base *url.URL, path string, page int) string {
	u := *base
	u.Path = path
	u.RawQuery = ""
	if page > 1 {
		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// withTags adds the work tag filter to an entity works URL.
func withTags(raw string, tags []string) (string, error) {
	if len(tags) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse entity url: %w", err)
	}
	q := u.Query()
	q.Set("t", strings.Join(tags, ","))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
