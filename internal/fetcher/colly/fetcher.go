// Package collyfetcher implements the direct HTTP fetch strategy using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/metrics"
)

// DefaultAcceptLanguage matches what the target serves its primary locale for.
const DefaultAcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	Timeout        time.Duration
	Detector       *crawler.ChallengeDetector
	Logger         *zap.Logger
}

// Fetcher implements crawler.Fetcher with one colly collector per request so
// that each fetch owns its cookie jar.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = DefaultAcceptLanguage
	}
	if cfg.Detector == nil {
		cfg.Detector = crawler.NewChallengeDetector(nil, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, transport: newHTTPTransport()}
}

// Fetch executes a single HTTP GET and classifies the outcome.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.Session == nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: no session", crawler.ErrInvalidCookie)
	}
	var (
		result crawler.FetchResponse
		failed *colly.Response
	)
	start := time.Now()
	collector, jar, err := f.buildCollector(request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	f.configureCollectorHooks(collector, request, start, &result, &failed)

	visitErr := f.runCollector(ctx, collector, request.URL)
	request.Session.MergeCookies(jar.Cookies(request.Session.BaseURL()))
	if ctx.Err() != nil {
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	}
	if failed != nil || visitErr != nil {
		return f.classifyFailure(request, start, failed, visitErr)
	}
	if reason, hit := f.cfg.Detector.Detect(result.StatusCode, result.Body, request.ExpectSelector); hit {
		metrics.ObserveChallenge("direct", "required")
		return result, crawler.ChallengeError(result.StatusCode, request.URL, reason)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(request crawler.FetchRequest) (*colly.Collector, *cookiejar.Jar, error) {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.WithTransport(f.transport)
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, nil, fmt.Errorf("cookie jar: %w", err)
	}
	jar.SetCookies(request.Session.BaseURL(), request.Session.Cookies())
	collector.SetCookieJar(jar)
	return collector, jar, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	failed **colly.Response,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.applyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, _ error) {
		*failed = r
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// classifyFailure maps a colly error callback onto the failure taxonomy.
func (f *Fetcher) classifyFailure(
	request crawler.FetchRequest,
	start time.Time,
	failed *colly.Response,
	visitErr error,
) (crawler.FetchResponse, error) {
	status := 0
	var body []byte
	if failed != nil {
		status = failed.StatusCode
		body = failed.Body
	}
	if status == 0 {
		f.cfg.Logger.Debug("Direct fetch network failure",
			zap.String("url", request.URL),
			zap.Error(visitErr),
		)
		return crawler.FetchResponse{}, fmt.Errorf("%w: %s: %w", crawler.ErrTransientNetwork, request.URL, networkCause(visitErr))
	}
	resp := crawler.FetchResponse{
		URL:        request.URL,
		StatusCode: status,
		Body:       append([]byte(nil), body...),
		Duration:   time.Since(start),
	}
	if failed.Headers != nil {
		resp.Headers = failed.Headers.Clone()
	}
	if reason, hit := f.cfg.Detector.Detect(status, body, ""); hit {
		metrics.ObserveChallenge("direct", "required")
		return resp, crawler.ChallengeError(status, request.URL, reason)
	}
	return resp, crawler.NewStatusError(status, request.URL, http.StatusText(status))
}

func (f *Fetcher) applyHeaders(request crawler.FetchRequest, r *colly.Request) {
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
	base := request.Session.BaseURL()
	base.Path = "/"
	r.Headers.Set("Referer", base.String())
	for key, values := range request.Session.Headers() {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func networkCause(err error) error {
	if err == nil {
		return errors.New("no response")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	return err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
