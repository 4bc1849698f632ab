// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Scope is the dimension a collection is organized along.
type Scope string

// Supported collection scopes.
const (
	ScopeActor    Scope = "actor"
	ScopeSeries   Scope = "series"
	ScopeMaker    Scope = "maker"
	ScopeDirector Scope = "director"
	ScopeCode     Scope = "code"
)

// AllScopes lists every scope in canonical order.
func AllScopes() []Scope {
	return []Scope{ScopeActor, ScopeSeries, ScopeMaker, ScopeDirector, ScopeCode}
}

// ParseScope validates a user-supplied scope name.
func ParseScope(raw string) (Scope, error) {
	s := Scope(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllScopes() {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown scope %q", raw)
}

// Stage names one step of the crawl pipeline.
type Stage string

// Pipeline stages in dependency order.
const (
	StageCollect      Stage = "collect"
	StageWorks        Stage = "works"
	StageMagnets      Stage = "magnets"
	StageFilterExport Stage = "filter_export"
)

// AllStages lists the pipeline stages in execution order.
func AllStages() []Stage {
	return []Stage{StageCollect, StageWorks, StageMagnets, StageFilterExport}
}

// ParseStage validates a user-supplied stage name.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if s == "export" || s == "filter" {
		return StageFilterExport, nil
	}
	for _, known := range AllStages() {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", raw)
}

// Prev returns the stage that must be done before s, or "" for the first stage.
func (s Stage) Prev() Stage {
	switch s {
	case StageWorks:
		return StageCollect
	case StageMagnets:
		return StageWorks
	case StageFilterExport:
		return StageMagnets
	default:
		return ""
	}
}

// Target names the three tables a scope writes to.
type Target struct {
	Entities string
	Works    string
	Magnets  string
}

// TargetFor maps a scope onto its storage tables. The actor dimension owns
// dedicated tables; every other scope shares the collection tables.
func TargetFor(scope Scope) Target {
	if scope == ScopeActor {
		return Target{Entities: "actors", Works: "works", Magnets: "magnets"}
	}
	return Target{Entities: "collections", Works: "collection_works", Magnets: "collection_magnets"}
}

// Entity is one collected item under a scope as scraped from a listing page.
type Entity struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

// StoredEntity is an Entity that has been persisted.
type StoredEntity struct {
	ID    int64  `json:"id"`
	Scope Scope  `json:"scope"`
	Name  string `json:"name"`
	Href  string `json:"href"`
}

// WorkRecord is one work scraped from an entity's works listing.
type WorkRecord struct {
	Code  string   `json:"code"`
	Title string   `json:"title"`
	Href  string   `json:"href"`
	Tags  []string `json:"tags,omitempty"`
}

// StoredWork is a persisted work joined with its owner's name.
type StoredWork struct {
	ID        int64    `json:"id"`
	OwnerID   int64    `json:"owner_id"`
	OwnerName string   `json:"owner_name"`
	Code      string   `json:"code"`
	Title     string   `json:"title"`
	Href      string   `json:"href"`
	Tags      []string `json:"tags,omitempty"`
}

// MagnetRecord is one magnet link scraped from a work page.
type MagnetRecord struct {
	URI  string   `json:"uri"`
	Name string   `json:"name,omitempty"`
	Size string   `json:"size,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// StoredMagnet is a persisted magnet.
type StoredMagnet struct {
	ID        int64     `json:"id"`
	WorkID    int64     `json:"work_id"`
	URI       string    `json:"uri"`
	Name      string    `json:"name,omitempty"`
	Size      string    `json:"size,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	Tags      []string  `json:"tags,omitempty"`
	SeenAt    time.Time `json:"seen_at"`
}

// CheckpointStatus is the lifecycle state of a checkpoint.
type CheckpointStatus string

// Checkpoint states.
const (
	CheckpointPending    CheckpointStatus = "pending"
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointDone       CheckpointStatus = "done"
	CheckpointFailed     CheckpointStatus = "failed"
)

// GlobalKey is the scope-key used when a checkpoint covers a whole dimension.
const GlobalKey = "global"

// CheckpointKey identifies one checkpoint row.
type CheckpointKey struct {
	Stage Stage  `json:"stage"`
	Scope Scope  `json:"scope"`
	Key   string `json:"scope_key"`
}

// NewCheckpointKey builds a key, defaulting the scope-key to GlobalKey.
// Collect always covers the whole listing.
func NewCheckpointKey(stage Stage, scope Scope, key string) CheckpointKey {
	key = strings.TrimSpace(key)
	if key == "" || stage == StageCollect {
		key = GlobalKey
	}
	return CheckpointKey{Stage: stage, Scope: scope, Key: key}
}

// String renders the key for logs.
func (k CheckpointKey) String() string {
	return string(k.Stage) + "/" + string(k.Scope) + "/" + k.Key
}

// Checkpoint is the durable progress marker for one key.
type Checkpoint struct {
	CheckpointKey
	Cursor    int64            `json:"cursor"`
	Status    CheckpointStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL            string
	Session        *Session
	ExpectSelector string
	Headers        http.Header
	// Labels used for history entries.
	Stage  Stage
	Scope  Scope
	Entity string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
