package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/export"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
	"github.com/ASUSFX80/Crawl-DB/internal/storage/local"
	"github.com/ASUSFX80/Crawl-DB/internal/storage/sqlstore"
)

const base = "https://example.test"

var dbSeq atomic.Int64

// fakeSite serves canned pages and records every requested URL.
type fakeSite struct {
	mu      sync.Mutex
	pages   map[string]string
	errs    map[string]error
	visited []string
	onFetch func(url string)
}

func (s *fakeSite) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	s.mu.Lock()
	s.visited = append(s.visited, req.URL)
	body, ok := s.pages[req.URL]
	err := s.errs[req.URL]
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook(req.URL)
	}
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !ok {
		return crawler.FetchResponse{}, crawler.NewStatusError(404, req.URL, "")
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

func (s *fakeSite) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visited...)
}

func (s *fakeSite) VisitedContains(fragment string) bool {
	for _, v := range s.Visited() {
		if strings.Contains(v, fragment) {
			return true
		}
	}
	return false
}

type fakeSessions struct {
	err   error
	saved atomic.Int32
}

func (f *fakeSessions) Open() (*crawler.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, _ := url.Parse(base)
	return crawler.NewSession(u, nil, "", nil), nil
}

func (f *fakeSessions) Save(*crawler.Session) error {
	f.saved.Add(1)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) OfKind(kind progress.Kind) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	store    *sqlstore.Store
	site     *fakeSite
	sessions *fakeSessions
	history  *recordingEmitter
	exportTo string
	p        *Pipeline
}

func newHarness(t *testing.T, site *fakeSite, cfg Config) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:pipeline_%d?mode=memory&cache=shared", dbSeq.Add(1))
	store, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	h := &harness{
		store:    store,
		site:     site,
		sessions: &fakeSessions{},
		history:  &recordingEmitter{},
		exportTo: dir,
	}
	h.p, err = New(Deps{
		Store:    store,
		Sessions: h.sessions,
		Fetchers: func(context.Context, string, progress.Emitter) (crawler.Fetcher, func() error, error) {
			return site, nil, nil
		},
		Exporter: export.New(store, blobs, export.Config{}),
		History:  h.history,
	}, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) count(t *testing.T, table string) int64 {
	t.Helper()
	n, err := h.store.CountRows(context.Background(), table)
	require.NoError(t, err)
	return n
}

func (h *harness) checkpoint(t *testing.T, stage crawler.Stage, scope crawler.Scope) crawler.Checkpoint {
	t.Helper()
	cp, err := h.store.LoadCheckpoint(context.Background(), crawler.NewCheckpointKey(stage, scope, ""))
	require.NoError(t, err)
	return cp
}

// actorSite builds a listing of n actors, each with worksPer works and one
// magnet per work.
func actorSite(n, worksPer int) *fakeSite {
	pages := map[string]string{}
	var listing strings.Builder
	listing.WriteString(`<div id="actors">`)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&listing, `<div class="box actor-box"><a href="/actors/a%d"><strong>Actor%d</strong></a></div>`, i, i)
		var works strings.Builder
		works.WriteString(`<div class="movie-list">`)
		for j := 1; j <= worksPer; j++ {
			code := fmt.Sprintf("ABF-%d%02d", i, j)
			fmt.Fprintf(&works, `<div><a href="/v/%s"><div class="video-title"><strong>%s</strong> title</div></a></div>`, code, code)
			pages[base+"/v/"+code] = fmt.Sprintf(`<div id="magnets-content"><div>
				<a href="magnet:?xt=urn:btih:%s"><span class="name">%s</span><span class="meta">1.2GB, 1 file</span></a>
			</div></div>`, strings.ToLower(code), code)
		}
		works.WriteString(`</div>`)
		pages[base+"/actors/a"+strconv.Itoa(i)] = works.String()
	}
	listing.WriteString(`</div>`)
	pages[base+"/users/collection_actors"] = listing.String()
	return &fakeSite{pages: pages, errs: map[string]error{}}
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, actorSite(2, 2), Config{})
	report, err := h.p.Run(context.Background(), Request{Scopes: []crawler.Scope{crawler.ScopeActor}})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	require.EqualValues(t, 2, h.count(t, "actors"))
	require.EqualValues(t, 4, h.count(t, "works"))
	require.EqualValues(t, 4, h.count(t, "magnets"))

	require.Len(t, report.Results, 4)
	for _, res := range report.Results {
		require.Equal(t, StatusDone, res.Status, "%s", res.Stage)
		require.Equal(t, crawler.CheckpointDone, h.checkpoint(t, res.Stage, crawler.ScopeActor).Status)
	}
	exp, ok := report.Result(crawler.ScopeActor, crawler.StageFilterExport)
	require.True(t, ok)
	require.Equal(t, 4, exp.Processed)

	data, err := os.ReadFile(filepath.Join(h.exportTo, "actor", "Actor1.txt"))
	require.NoError(t, err)
	require.Equal(t, "magnet:?xt=urn:btih:abf-101\nmagnet:?xt=urn:btih:abf-102\n", string(data))
	require.FileExists(t, filepath.Join(h.exportTo, "actor", "Actor2.txt"))

	require.Len(t, h.history.OfKind(progress.KindRunStart), 1)
	require.Len(t, h.history.OfKind(progress.KindRunDone), 1)
	require.EqualValues(t, 1, h.sessions.saved.Load())

	// A second run finds every stage done and fetches nothing.
	before := len(h.site.Visited())
	again, err := h.p.Run(context.Background(), Request{Scopes: []crawler.Scope{crawler.ScopeActor}})
	require.NoError(t, err)
	require.Equal(t, 4, again.Counts()[StatusSkipped])
	require.Len(t, h.site.Visited(), before)
}

func TestRunIsIdempotentAfterReset(t *testing.T) {
	t.Parallel()

	h := newHarness(t, actorSite(2, 2), Config{})
	ctx := context.Background()
	_, err := h.p.Run(ctx, Request{})
	require.NoError(t, err)

	for _, stage := range crawler.AllStages() {
		require.NoError(t, h.store.SaveCheckpoint(ctx, crawler.Checkpoint{
			CheckpointKey: crawler.NewCheckpointKey(stage, crawler.ScopeActor, ""),
			Status:        crawler.CheckpointPending,
		}))
	}
	report, err := h.p.Run(ctx, Request{})
	require.NoError(t, err)
	require.Equal(t, 4, report.Counts()[StatusDone])
	require.EqualValues(t, 2, h.count(t, "actors"))
	require.EqualValues(t, 4, h.count(t, "works"))
	require.EqualValues(t, 4, h.count(t, "magnets"))
}

func TestStopAfterFirstEntity(t *testing.T) {
	t.Parallel()

	site := actorSite(3, 1)
	h := newHarness(t, site, Config{})
	ctx := context.Background()

	_, err := h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageCollect}})
	require.NoError(t, err)
	first, err := h.store.GetEntity(ctx, crawler.ScopeActor, "Actor1")
	require.NoError(t, err)

	site.mu.Lock()
	site.onFetch = func(u string) {
		if strings.HasSuffix(u, "/actors/a1") {
			h.p.Stop()
		}
	}
	site.mu.Unlock()

	report, err := h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageWorks, crawler.StageMagnets}})
	require.NoError(t, err)
	require.Len(t, report.Results, 1, "a stopped scope starts no further stage")
	res := report.Results[0]
	require.Equal(t, StatusStopped, res.Status)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, first.ID, res.Cursor)

	require.EqualValues(t, 1, h.count(t, "works"))
	cp := h.checkpoint(t, crawler.StageWorks, crawler.ScopeActor)
	require.Equal(t, crawler.CheckpointInProgress, cp.Status)
	require.Equal(t, first.ID, cp.Cursor)
	require.False(t, site.VisitedContains("/actors/a2"))
	require.Len(t, h.history.OfKind(progress.KindStageStopped), 1)
}

func TestResumeProcessesOnlyRemainingEntities(t *testing.T) {
	t.Parallel()

	site := actorSite(3, 2)
	h := newHarness(t, site, Config{})
	ctx := context.Background()

	_, err := h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageCollect}})
	require.NoError(t, err)

	var stopped atomic.Bool
	site.mu.Lock()
	site.onFetch = func(u string) {
		if strings.HasSuffix(u, "/actors/a2") && stopped.CompareAndSwap(false, true) {
			h.p.Stop()
		}
	}
	site.mu.Unlock()
	report, err := h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageWorks}})
	require.NoError(t, err)
	require.Equal(t, StatusStopped, report.Results[0].Status)
	require.EqualValues(t, 4, h.count(t, "works"))

	visitedBefore := len(site.Visited())
	report, err = h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageWorks}})
	require.NoError(t, err)
	require.Equal(t, StatusDone, report.Results[0].Status)
	require.Equal(t, 1, report.Results[0].Processed)

	resumed := site.Visited()[visitedBefore:]
	require.Equal(t, []string{base + "/actors/a3"}, resumed)
	require.EqualValues(t, 6, h.count(t, "works"), "final rows equal a full run")
}

func TestChallengeTimeoutFailsOnlyThatScope(t *testing.T) {
	t.Parallel()

	site := actorSite(2, 1)
	site.errs[base+"/actors/a1"] = fmt.Errorf("browser fetch: %w", crawler.ErrChallengeTimeout)
	site.pages[base+"/users/collection_series"] = `<section><a href="/series/s1">S1</a></section>`
	site.pages[base+"/series/s1"] = `<div class="movie-list"><div><a href="/v/SER-001"><div class="video-title"><strong>SER-001</strong></div></a></div></div>`
	site.pages[base+"/v/SER-001"] = `<div id="magnets-content"><div><a href="magnet:?xt=urn:btih:ser">x</a></div></div>`

	h := newHarness(t, site, Config{MaxParallelScopes: 2})
	report, err := h.p.Run(context.Background(), Request{
		Scopes: []crawler.Scope{crawler.ScopeActor, crawler.ScopeSeries},
	})
	require.NoError(t, err)

	works, ok := report.Result(crawler.ScopeActor, crawler.StageWorks)
	require.True(t, ok)
	require.Equal(t, StatusFailed, works.Status)
	require.ErrorIs(t, works.Err(), crawler.ErrChallengeTimeout)
	require.ErrorIs(t, report.Err(), crawler.ErrChallengeTimeout)

	magnets, ok := report.Result(crawler.ScopeActor, crawler.StageMagnets)
	require.True(t, ok)
	require.Equal(t, StatusBlocked, magnets.Status)

	require.EqualValues(t, 0, h.count(t, "works"), "no write for the challenged scope")
	cp := h.checkpoint(t, crawler.StageWorks, crawler.ScopeActor)
	require.Equal(t, crawler.CheckpointFailed, cp.Status)
	require.Contains(t, cp.Reason, "challenge timeout")
	require.Zero(t, cp.Cursor)

	for _, stage := range crawler.AllStages() {
		res, ok := report.Result(crawler.ScopeSeries, stage)
		require.True(t, ok)
		require.Equal(t, StatusDone, res.Status, "series %s", stage)
	}
	require.EqualValues(t, 1, h.count(t, "collection_magnets"))
	require.NotEmpty(t, h.history.OfKind(progress.KindStageFailed))
}

func TestUnexpectedStatusSkipsEntity(t *testing.T) {
	t.Parallel()

	site := actorSite(3, 1)
	delete(site.pages, base+"/actors/a2")
	h := newHarness(t, site, Config{})

	report, err := h.p.Run(context.Background(), Request{Stages: []crawler.Stage{crawler.StageCollect, crawler.StageWorks}})
	require.NoError(t, err)
	res, ok := report.Result(crawler.ScopeActor, crawler.StageWorks)
	require.True(t, ok)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, 2, res.Processed)
	require.Equal(t, 1, res.Skipped)

	skipped := h.history.OfKind(progress.KindItemSkipped)
	require.Len(t, skipped, 1)
	require.Equal(t, "Actor2", skipped[0].Entity)
	require.EqualValues(t, 2, h.count(t, "works"))
}

func TestCheckpointCursorsNeverDecrease(t *testing.T) {
	t.Parallel()

	h := newHarness(t, actorSite(4, 2), Config{})
	_, err := h.p.Run(context.Background(), Request{})
	require.NoError(t, err)

	last := map[string]int64{}
	for _, evt := range h.history.OfKind(progress.KindCheckpoint) {
		cursor, err := strconv.ParseInt(strings.TrimPrefix(evt.Note, "cursor="), 10, 64)
		require.NoError(t, err)
		k := evt.Stage + "/" + evt.Scope
		require.GreaterOrEqual(t, cursor, last[k], "%s regressed", k)
		last[k] = cursor
	}
	require.Len(t, last, 4)
}

func TestStageGating(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
		want Status
	}{
		{name: "blocked without predecessor", req: Request{Stages: []crawler.Stage{crawler.StageMagnets}}, want: StatusBlocked},
		{name: "force runs standalone", req: Request{Stages: []crawler.Stage{crawler.StageMagnets}, Force: true}, want: StatusDone},
		{
			name: "skipped predecessor",
			req:  Request{Stages: []crawler.Stage{crawler.StageMagnets}, SkipStages: []crawler.Stage{crawler.StageWorks}},
			want: StatusDone,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, actorSite(1, 1), Config{})
			report, err := h.p.Run(context.Background(), tc.req)
			require.NoError(t, err)
			require.Len(t, report.Results, 1)
			require.Equal(t, tc.want, report.Results[0].Status)
		})
	}
}

func TestMagnetFilterUsesItsOwnCheckpoint(t *testing.T) {
	t.Parallel()

	site := actorSite(2, 1)
	h := newHarness(t, site, Config{MagnetFilter: export.NewWorkFilter(export.ModeActor, "Actor2")})
	ctx := context.Background()

	report, err := h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageCollect, crawler.StageWorks, crawler.StageMagnets}})
	require.NoError(t, err)
	res, ok := report.Result(crawler.ScopeActor, crawler.StageMagnets)
	require.True(t, ok)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, "filter:actor=Actor2", res.ScopeKey)
	require.EqualValues(t, 1, h.count(t, "magnets"))
	require.False(t, site.VisitedContains("/v/ABF-101"))

	_, err = h.store.LoadCheckpoint(ctx, crawler.NewCheckpointKey(crawler.StageMagnets, crawler.ScopeActor, ""))
	require.ErrorIs(t, err, crawler.ErrNotFound, "the unfiltered checkpoint is untouched")
}

func TestEntityRestriction(t *testing.T) {
	t.Parallel()

	site := actorSite(3, 1)
	h := newHarness(t, site, Config{})
	ctx := context.Background()
	_, err := h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageCollect}})
	require.NoError(t, err)

	report, err := h.p.Run(ctx, Request{
		Stages: []crawler.Stage{crawler.StageWorks, crawler.StageMagnets, crawler.StageFilterExport},
		Entity: "Actor3",
		Force:  true,
	})
	require.NoError(t, err)
	require.Equal(t, 3, report.Counts()[StatusDone])
	require.EqualValues(t, 1, h.count(t, "works"))
	require.False(t, site.VisitedContains("/actors/a1"))

	cp, err := h.store.LoadCheckpoint(ctx, crawler.NewCheckpointKey(crawler.StageWorks, crawler.ScopeActor, "Actor3"))
	require.NoError(t, err)
	require.Equal(t, crawler.CheckpointDone, cp.Status)
	require.FileExists(t, filepath.Join(h.exportTo, "actor", "Actor3.txt"))
	require.NoFileExists(t, filepath.Join(h.exportTo, "actor", "Actor1.txt"))
}

func TestInvalidCookieIsFatalPreflight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, actorSite(1, 1), Config{})
	h.sessions.err = fmt.Errorf("cookie file: %w", crawler.ErrInvalidCookie)

	report, err := h.p.Run(context.Background(), Request{})
	require.ErrorIs(t, err, crawler.ErrInvalidCookie)
	require.Empty(t, report.Results)
	require.Empty(t, h.site.Visited())
	require.Len(t, h.history.OfKind(progress.KindRunDone), 1)
}

func TestCanceledContextLeavesCheckpointInProgress(t *testing.T) {
	t.Parallel()

	site := actorSite(2, 1)
	h := newHarness(t, site, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	site.onFetch = func(u string) {
		if strings.HasSuffix(u, "/actors/a1") {
			cancel()
		}
	}

	report, err := h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageCollect, crawler.StageWorks}})
	require.NoError(t, err)
	res, ok := report.Result(crawler.ScopeActor, crawler.StageWorks)
	require.True(t, ok)
	require.Equal(t, StatusStopped, res.Status)
	require.ErrorIs(t, res.Err(), context.Canceled)
	require.Equal(t, crawler.CheckpointInProgress, h.checkpoint(t, crawler.StageWorks, crawler.ScopeActor).Status)
}

func TestControllerSingleActiveRun(t *testing.T) {
	t.Parallel()

	site := actorSite(2, 1)
	release := make(chan struct{})
	var once sync.Once
	site.onFetch = func(string) {
		once.Do(func() { <-release })
	}
	h := newHarness(t, site, Config{})
	ctrl := NewController(context.Background(), h.p, nil)

	runID, err := ctrl.Start(Request{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	require.Eventually(t, h.p.Running, time.Second, 5*time.Millisecond)

	_, err = ctrl.Start(Request{})
	require.ErrorIs(t, err, ErrRunActive)
	_, err = h.p.Run(context.Background(), Request{})
	require.ErrorIs(t, err, ErrRunActive)

	require.NoError(t, ctrl.Stop())
	close(release)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctrl.Wait(waitCtx))

	snap := ctrl.Snapshot()
	require.False(t, snap.Running)
	require.NotNil(t, snap.Report)
	require.Equal(t, runID, snap.Report.RunID)
	require.False(t, snap.Report.FinishedAt.IsZero())
	require.ErrorIs(t, ctrl.Stop(), ErrNoActiveRun)

	_, err = ctrl.Start(Request{Stages: []crawler.Stage{crawler.StageCollect}})
	require.NoError(t, err, "a finished run frees the controller")
	require.NoError(t, ctrl.Wait(waitCtx))
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

// orphanStore reports one work as orphaned, as a concurrent delete would.
type orphanStore struct {
	*sqlstore.Store
	code string
}

func (s *orphanStore) UpsertWork(ctx context.Context, scope crawler.Scope, ownerID int64, work crawler.WorkRecord) (int64, error) {
	if work.Code == s.code {
		return 0, fmt.Errorf("%w: %s owner %d does not exist", crawler.ErrOrphanRecord, scope, ownerID)
	}
	return s.Store.UpsertWork(ctx, scope, ownerID, work)
}

func TestOrphanRecordIsRecordedAndCounted(t *testing.T) {
	t.Parallel()

	site := actorSite(1, 2)
	h := newHarness(t, site, Config{})
	var err error
	h.p, err = New(Deps{
		Store:    &orphanStore{Store: h.store, code: "ABF-102"},
		Sessions: h.sessions,
		Fetchers: func(context.Context, string, progress.Emitter) (crawler.Fetcher, func() error, error) {
			return site, nil, nil
		},
		History: h.history,
	}, Config{})
	require.NoError(t, err)

	report, err := h.p.Run(context.Background(), Request{
		Stages: []crawler.Stage{crawler.StageCollect, crawler.StageWorks},
		Scopes: []crawler.Scope{crawler.ScopeActor},
	})
	require.NoError(t, err)
	res, ok := report.Result(crawler.ScopeActor, crawler.StageWorks)
	require.True(t, ok)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 1, res.Skipped)
	require.EqualValues(t, 1, h.count(t, "works"))

	var orphans []progress.Event
	for _, evt := range h.history.OfKind(progress.KindItemSkipped) {
		if evt.Entity == "ABF-102" {
			orphans = append(orphans, evt)
		}
	}
	require.Len(t, orphans, 1)
	require.Equal(t, string(crawler.StageWorks), orphans[0].Stage)
	require.Equal(t, string(crawler.ScopeActor), orphans[0].Scope)
	require.Contains(t, orphans[0].Note, "orphan record")
}

func TestEntityRestrictionKeepsNameAsWritten(t *testing.T) {
	t.Parallel()

	const name = "Smith, Ｊａｎｅ"
	site := &fakeSite{errs: map[string]error{}, pages: map[string]string{
		base + "/users/collection_actors": `<div id="actors"><div class="box actor-box"><a href="/actors/sj"><strong>` + name + `</strong></a></div>
			<div class="box actor-box"><a href="/actors/sm"><strong>Smith</strong></a></div></div>`,
		base + "/actors/sj": `<div class="movie-list"><div><a href="/v/ABF-900"><div class="video-title"><strong>ABF-900</strong> t</div></a></div></div>`,
		base + "/actors/sm": `<div class="movie-list"><div><a href="/v/ABF-901"><div class="video-title"><strong>ABF-901</strong> t</div></a></div></div>`,
		base + "/v/ABF-900": `<div id="magnets-content"><div>
			<a href="magnet:?xt=urn:btih:abf900"><span class="name">ABF-900</span><span class="meta">1.2GB, 1 file</span></a>
		</div></div>`,
	}}
	h := newHarness(t, site, Config{})
	ctx := context.Background()
	_, err := h.p.Run(ctx, Request{Stages: []crawler.Stage{crawler.StageCollect}})
	require.NoError(t, err)

	report, err := h.p.Run(ctx, Request{
		Stages: []crawler.Stage{crawler.StageWorks, crawler.StageMagnets, crawler.StageFilterExport},
		Entity: name,
		Force:  true,
	})
	require.NoError(t, err)
	res, ok := report.Result(crawler.ScopeActor, crawler.StageFilterExport)
	require.True(t, ok)
	require.Equal(t, StatusDone, res.Status)
	require.Equal(t, 1, res.Processed)
	require.False(t, site.VisitedContains("/actors/sm"))
}
