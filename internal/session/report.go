package session

import (
	"context"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is one of the end states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Path describes where probes to a target travel. Fields are filled by
// enrichers and left empty when unknown.
type Path struct {
	Address      string `json:"address,omitempty"`
	Interface    string `json:"interface,omitempty"`
	Source       string `json:"source,omitempty"`
	Gateway      string `json:"gateway,omitempty"`
	Country      string `json:"country,omitempty"`
	ASN          uint   `json:"asn,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// Enricher adds path information for a target before probing starts.
type Enricher interface {
	Enrich(ctx context.Context, target string, path *Path) error
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, target string, path *Path) error

func (f EnricherFunc) Enrich(ctx context.Context, target string, path *Path) error {
	return f(ctx, target, path)
}

// Event is emitted once per finished probe.
type Event struct {
	SessionID string          `json:"session_id"`
	Target    string          `json:"target"`
	Index     int             `json:"index"`
	Outcome   quality.Outcome `json:"outcome"`
	SentAt    time.Time       `json:"sent_at"`
}

type Report struct {
	ID         string            `json:"id"`
	Target     string            `json:"target"`
	Transport  string            `json:"transport,omitempty"`
	Status     Status            `json:"status"`
	Config     quality.Config    `json:"config"`
	Result     quality.Result    `json:"result"`
	Outcomes   []quality.Outcome `json:"outcomes"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Err        string            `json:"error,omitempty"`
	Path       *Path             `json:"path,omitempty"`
}
