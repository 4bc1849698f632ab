// Package session loads, validates and persists the authentication material a
// crawl run hands to every fetch, and guards the durable browser profile.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// DefaultRequired lists the cookies the target needs for an authenticated crawl.
var DefaultRequired = []string{"cf_clearance", "_jdb_session", "over18"}

// cookieItem is the browser-export shape of one cookie.
type cookieItem struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
}

// ParseCookies decodes any of the accepted cookie document shapes:
//
//	{"cookie": "a=b; c=d"}
//	{"cookies": [{"name": "a", "value": "b", ...}]}
//	[{"name": "a", "value": "b", ...}]
//	{"a": "b", "c": "d"}
func ParseCookies(data []byte, host string) ([]*http.Cookie, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty cookie document", crawler.ErrInvalidCookie)
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []cookieItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("%w: cookies must be an array of objects: %v", crawler.ErrInvalidCookie, err)
		}
		return fromItems(items, host), nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed cookie json: %v", crawler.ErrInvalidCookie, err)
	}
	if raw, ok := doc["cookie"]; ok {
		var header string
		if err := json.Unmarshal(raw, &header); err == nil {
			return fromHeader(header, host), nil
		}
	}
	if raw, ok := doc["cookies"]; ok {
		var items []cookieItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: cookies must be an array of objects: %v", crawler.ErrInvalidCookie, err)
		}
		return fromItems(items, host), nil
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		var value string
		if err := json.Unmarshal(doc[name], &value); err != nil {
			return nil, fmt.Errorf("%w: value of %q is not a string", crawler.ErrInvalidCookie, name)
		}
		out = append(out, normalize(&http.Cookie{Name: name, Value: value}, host))
	}
	return out, nil
}

// Validate checks that every required cookie is present with a value.
func Validate(cookies []*http.Cookie, required []string) error {
	have := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		if c.Value != "" {
			have[c.Name] = true
		}
	}
	var missing []string
	for _, name := range required {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", crawler.ErrInvalidCookie, strings.Join(missing, ", "))
	}
	return nil
}

func fromHeader(header, host string) []*http.Cookie {
	var out []*http.Cookie
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, normalize(&http.Cookie{Name: name, Value: strings.TrimSpace(value)}, host))
	}
	return out
}

func fromItems(items []cookieItem, host string) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			continue
		}
		c := &http.Cookie{
			Name:     strings.TrimSpace(item.Name),
			Value:    item.Value,
			Domain:   item.Domain,
			Path:     item.Path,
			Secure:   item.Secure,
			HttpOnly: item.HTTPOnly,
			SameSite: parseSameSite(item.SameSite),
		}
		if item.Expires > 0 {
			c.Expires = time.Unix(int64(item.Expires), 0).UTC()
		}
		out = append(out, normalize(c, host))
	}
	return out
}

// normalize applies defaults and the cookie prefix rules.
func normalize(c *http.Cookie, host string) *http.Cookie {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Domain == "" && host != "" {
		c.Domain = host
	}
	switch {
	case strings.HasPrefix(c.Name, "__Host-"):
		c.Domain = ""
		c.Path = "/"
		c.Secure = true
	case strings.HasPrefix(c.Name, "__Secure-"):
		c.Secure = true
	}
	return c
}

func parseSameSite(raw string) http.SameSite {
	switch strings.ToLower(raw) {
	case "lax":
		return http.SameSiteLaxMode
	case "strict":
		return http.SameSiteStrictMode
	case "none", "no_restriction":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

func toItems(cookies []*http.Cookie) []cookieItem {
	items := make([]cookieItem, 0, len(cookies))
	for _, c := range cookies {
		item := cookieItem{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		switch c.SameSite {
		case http.SameSiteLaxMode:
			item.SameSite = "Lax"
		case http.SameSiteStrictMode:
			item.SameSite = "Strict"
		case http.SameSiteNoneMode:
			item.SameSite = "None"
		}
		if !c.Expires.IsZero() {
			item.Expires = float64(c.Expires.Unix())
		}
		items = append(items, item)
	}
	return items
}
