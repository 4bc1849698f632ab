package crawler

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// Session is the authentication context a run hands to every fetch. It is
// owned by the pipeline for the duration of a run and safe for concurrent use.
type Session struct {
	baseURL    *url.URL
	profileDir string
	headers    http.Header

	mu      sync.RWMutex
	cookies []*http.Cookie
	dirty   bool
}

// NewSession builds a Session rooted at baseURL.
func NewSession(baseURL *url.URL, cookies []*http.Cookie, profileDir string, headers http.Header) *Session {
	if headers == nil {
		headers = http.Header{}
	}
	return &Session{
		baseURL:    baseURL,
		profileDir: profileDir,
		headers:    headers.Clone(),
		cookies:    cloneCookies(cookies),
	}
}

// BaseURL returns a copy of the site root.
func (s *Session) BaseURL() *url.URL {
	u := *s.baseURL
	return &u
}

// ProfileDir is the durable browser profile directory, if any.
func (s *Session) ProfileDir() string {
	return s.profileDir
}

// Headers returns a copy of the default request headers.
func (s *Session) Headers() http.Header {
	return s.headers.Clone()
}

// Cookies returns a copy of the current cookie set.
func (s *Session) Cookies() []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCookies(s.cookies)
}

// MergeCookies folds refreshed cookies into the set, replacing by name.
// Cookies with an empty value are ignored.
func (s *Session) MergeCookies(updates []*http.Cookie) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := make(map[string]int, len(s.cookies))
	for i, c := range s.cookies {
		index[c.Name] = i
	}
	for _, u := range updates {
		if u == nil || u.Name == "" || u.Value == "" {
			continue
		}
		cp := *u
		if i, ok := index[u.Name]; ok {
			if s.cookies[i].Value == u.Value {
				continue
			}
			prev := s.cookies[i]
			if cp.Domain == "" {
				cp.Domain = prev.Domain
			}
			if cp.Path == "" {
				cp.Path = prev.Path
			}
			s.cookies[i] = &cp
		} else {
			index[u.Name] = len(s.cookies)
			s.cookies = append(s.cookies, &cp)
		}
		s.dirty = true
	}
}

// Dirty reports whether cookies changed since the session was loaded.
func (s *Session) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Resolve turns a site-relative href into an absolute URL.
func (s *Session) Resolve(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return s.baseURL.ResolveReference(ref).String(), nil
}

func cloneCookies(src []*http.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(src))
	for _, c := range src {
		if c == nil {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out
}
