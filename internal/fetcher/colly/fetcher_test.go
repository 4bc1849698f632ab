package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

func TestFetcherSendsSessionAndMergesCookies(t *testing.T) {
	t.Parallel()

	var gotCookie, gotLang, gotReferer, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("over18"); err == nil {
			gotCookie = c.Value
		}
		gotLang = r.Header.Get("Accept-Language")
		gotReferer = r.Header.Get("Referer")
		gotUA = r.Header.Get("User-Agent")
		http.SetCookie(w, &http.Cookie{Name: "_jdb_session", Value: "rotated", Path: "/"})
		_, _ = w.Write([]byte(`<html><head><title>Actors</title></head><body><section>ok</section></body></html>`))
	}))
	t.Cleanup(srv.Close)

	sess := newSession(t, srv.URL, &http.Cookie{Name: "over18", Value: "1"}, &http.Cookie{Name: "_jdb_session", Value: "old"})
	f := New(Config{UserAgent: "crawldb-test", Timeout: 5 * time.Second})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:            srv.URL + "/users/collection_actors",
		Session:        sess,
		ExpectSelector: "section",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "<section>")
	require.False(t, resp.UsedHeadless)

	require.Equal(t, "1", gotCookie)
	require.Equal(t, DefaultAcceptLanguage, gotLang)
	require.Equal(t, srv.URL+"/", gotReferer)
	require.Equal(t, "crawldb-test", gotUA)

	require.True(t, sess.Dirty())
	values := map[string]string{}
	for _, c := range sess.Cookies() {
		values[c.Name] = c.Value
	}
	require.Equal(t, "rotated", values["_jdb_session"])
}

func TestFetcherClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		selector string
		want     error
	}{
		{name: "forbidden", status: http.StatusForbidden, want: crawler.ErrChallengeRequired},
		{name: "rate limited", status: http.StatusTooManyRequests, want: crawler.ErrChallengeRequired},
		{name: "interstitial", status: http.StatusOK, body: `<html><head><title>Just a moment...</title></head></html>`, want: crawler.ErrChallengeRequired},
		{name: "missing selector", status: http.StatusOK, body: `<html><body><p>login</p></body></html>`, selector: "section", want: crawler.ErrChallengeRequired},
		{name: "not found", status: http.StatusNotFound, body: "gone", want: crawler.ErrUnexpectedStatus},
		{name: "server error", status: http.StatusBadGateway, body: "oops", want: crawler.ErrTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			f := New(Config{Timeout: 5 * time.Second})
			_, err := f.Fetch(context.Background(), crawler.FetchRequest{
				URL:            srv.URL + "/page",
				Session:        newSession(t, srv.URL),
				ExpectSelector: tt.selector,
			})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetcherNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr + "/x", Session: newSession(t, addr)})
	require.ErrorIs(t, err, crawler.ErrTransientNetwork)
}

func TestFetcherHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL, Session: newSession(t, srv.URL)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetcherRequiresSession(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}).Fetch(context.Background(), crawler.FetchRequest{URL: "http://127.0.0.1/"})
	require.ErrorIs(t, err, crawler.ErrInvalidCookie)
}

func newSession(t *testing.T, raw string, cookies ...*http.Cookie) *crawler.Session {
	t.Helper()
	base, err := url.Parse(raw)
	require.NoError(t, err)
	return crawler.NewSession(base, cookies, "", nil)
}
