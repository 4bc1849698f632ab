package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// chromeTab drives one tab of the shared browser.
type chromeTab struct {
	ctx    context.Context
	cancel context.CancelFunc
	meta   *responseMeta
}

func openTab(ctx context.Context, browserCtx context.Context) (page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)
	if err := chromedp.Run(tabCtx, network.Enable()); err != nil {
		cancel()
		return nil, fmt.Errorf("enable network domain: %w", err)
	}
	return &chromeTab{ctx: tabCtx, cancel: cancel, meta: meta}, nil
}

// run executes actions on the tab while honoring the caller's ctx.
func (t *chromeTab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (t *chromeTab) SetCookies(ctx context.Context, base string, cookies []*http.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			URL:      base,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires)
			param.Expires = &exp
		}
		params = append(params, param)
	}
	return t.run(ctx, network.SetCookies(params))
}

func (t *chromeTab) Navigate(ctx context.Context, url string, headers http.Header) (int, error) {
	t.meta.reset()
	actions := []chromedp.Action{}
	if len(headers) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(toNetworkHeaders(headers)))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err := t.run(ctx, actions...); err != nil {
		return 0, fmt.Errorf("chromedp navigate: %w", err)
	}
	status := t.meta.status()
	if status == 0 {
		status = http.StatusOK
	}
	return status, nil
}

func (t *chromeTab) Content(ctx context.Context) (string, string, error) {
	var html, location string
	err := t.run(ctx,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", fmt.Errorf("read page content: %w", err)
	}
	return html, location, nil
}

func (t *chromeTab) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := t.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (t *chromeTab) Cookies(ctx context.Context, base string) ([]*http.Cookie, error) {
	var out []*http.Cookie
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithURLs([]string{base}).Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			hc := &http.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HttpOnly: c.HTTPOnly,
			}
			if !c.Session && c.Expires > 0 {
				hc.Expires = time.Unix(int64(c.Expires), 0).UTC()
			}
			out = append(out, hc)
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("read browser cookies: %w", err)
	}
	return out, nil
}

func (t *chromeTab) Close() {
	t.cancel()
}

// responseMeta records the status of the last document response.
type responseMeta struct {
	mu   sync.Mutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
