package crawler

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Default interstitial signals.
var (
	DefaultChallengeTitles = []string{"cloudflare", "attention required", "just a moment"}
	DefaultChallengeBodies = []string{
		"cf-wrapper",
		"sorry, you have been blocked",
		"cloudflare ray id",
	}
	// Elements only an interstitial renders. Fronted sites also load the
	// challenge-platform script on normal pages, so markup alone is not a
	// signal.
	DefaultChallengeElements = []string{
		"#challenge-form",
		"#challenge-running",
		"#challenge-stage",
		`form[action*="__cf_chl"]`,
	}
)

// ChallengeDetector recognizes anti-bot interstitials using simple HTML signals.
type ChallengeDetector struct {
	titles   []string
	keywords [][]byte
	elements string
}

// NewChallengeDetector constructs a detector. Empty inputs use the defaults.
func NewChallengeDetector(titles, keywords []string) *ChallengeDetector {
	if len(titles) == 0 {
		titles = DefaultChallengeTitles
	}
	if len(keywords) == 0 {
		keywords = DefaultChallengeBodies
	}
	lowerTitles := make([]string, 0, len(titles))
	for _, t := range titles {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowerTitles = append(lowerTitles, t)
		}
	}
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	return &ChallengeDetector{
		titles:   lowerTitles,
		keywords: lowerKeywords,
		elements: strings.Join(DefaultChallengeElements, ", "),
	}
}

// Detect returns a short reason when the response looks like a challenge page.
// expectSelector, when set, must be present on a non-challenge page.
func (d *ChallengeDetector) Detect(status int, body []byte, expectSelector string) (string, bool) {
	if d == nil {
		return "", false
	}
	switch status {
	case http.StatusForbidden:
		return "status_403", true
	case http.StatusTooManyRequests:
		return "status_429", true
	}
	if len(body) == 0 {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "unparseable_html", true
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, t := range d.titles {
		if strings.Contains(title, t) {
			return "title_" + strings.ReplaceAll(t, " ", "_"), true
		}
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return "body_" + strings.ReplaceAll(string(kw), " ", "_"), true
		}
	}
	if sel := doc.Find(d.elements).First(); sel.Length() > 0 {
		return "element_" + elementName(sel), true
	}
	if expectSelector != "" && doc.Find(expectSelector).Length() == 0 {
		return "missing_selector", true
	}
	return "", false
}

func elementName(sel *goquery.Selection) string {
	if id, ok := sel.Attr("id"); ok && id != "" {
		return id
	}
	return goquery.NodeName(sel)
}
