package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
	"github.com/ASUSFX80/Crawl-DB/internal/storage/sqlstore"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// listCheckpoints handles GET /v1/checkpoints?stage=&scope=. It returns
// {"checkpoints": [...]}.
func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint ledger unavailable")
		return
	}
	q := r.URL.Query()
	stage := strings.TrimSpace(q.Get("stage"))
	scope := strings.TrimSpace(q.Get("scope"))

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	cps, err := s.deps.Checkpoints.List(ctx)
	if err != nil {
		s.logger.Error("List checkpoints failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	out := make([]crawler.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		if stage != "" && string(cp.Stage) != stage {
			continue
		}
		if scope != "" && string(cp.Scope) != scope {
			continue
		}
		out = append(out, cp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": out})
}

// resetCheckpoint handles POST /v1/checkpoints/{stage}/{scope}/reset?key=.
// The key defaults to the global scope-key. Resetting while a run is active
// is refused with 409.
func (s *Server) resetCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint ledger unavailable")
		return
	}
	stage, err := crawler.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := crawler.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Runner != nil && s.deps.Runner.Snapshot().Running {
		writeError(w, http.StatusConflict, "a run is active")
		return
	}
	key := crawler.NewCheckpointKey(stage, scope, r.URL.Query().Get("key"))

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.deps.Checkpoints.Reset(ctx, key); err != nil {
		s.logger.Error("Reset checkpoint failed", zap.String("checkpoint", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkpoint": crawler.Checkpoint{CheckpointKey: key, Status: crawler.CheckpointPending},
	})
}

// listHistory handles GET /v1/history?limit=&run_id=&scope=. It returns the
// most recent events first as {"events": [...]}.
func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := sqlstore.HistoryFilter{
		RunID: strings.TrimSpace(q.Get("run_id")),
		Scope: strings.TrimSpace(q.Get("scope")),
		Limit: limit,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	events, err := s.deps.History.ListHistory(ctx, filter)
	if err != nil {
		s.logger.Error("List history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	out := make([]eventDTO, 0, len(events))
	for _, evt := range events {
		out = append(out, toEventDTO(evt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

type eventDTO struct {
	RunID      string    `json:"run_id"`
	TS         time.Time `json:"ts"`
	Kind       string    `json:"kind"`
	Stage      string    `json:"stage,omitempty"`
	Scope      string    `json:"scope,omitempty"`
	Entity     string    `json:"entity,omitempty"`
	URL        string    `json:"url,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Note       string    `json:"note,omitempty"`
}

func toEventDTO(evt progress.Event) eventDTO {
	return eventDTO{
		RunID:      evt.RunUUID().String(),
		TS:         evt.TS,
		Kind:       string(evt.Kind),
		Stage:      evt.Stage,
		Scope:      evt.Scope,
		Entity:     evt.Entity,
		URL:        evt.URL,
		Attempt:    evt.Attempt,
		StatusCode: evt.StatusCode,
		Bytes:      evt.Bytes,
		DurationMS: evt.Dur.Milliseconds(),
		Note:       evt.Note,
	}
}
