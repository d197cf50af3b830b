// Package incremental decides whether a sub-artifact must be fetched again or
// whether the copy already on disk is current.
//
// Every decision is made from two stored files: the target artifact itself and
// a stamp document whose top-level "modified" field records the remote
// modification time of the copy that was saved. They are usually the same file;
// sprites are stamped by the published style document they belong to.
package incremental

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/mapbox-backup/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mapbox_incremental_decisions_total",
	Help: "Incremental fetch decisions by result",
}, []string{"decision"})

// Decision is the outcome of Decide.
type Decision int

const (
	// Fetch means the artifact must be downloaded.
	Fetch Decision = iota

	// Skip means the local copy is at least as new as the remote one.
	Skip
)

// String returns "fetch" or "skip".
func (d Decision) String() string {
	if d == Skip {
		return "skip"
	}
	return "fetch"
}

// LocalStateError describes a stamp document that exists but cannot be used.
// Decide never returns it; it is logged and the artifact is fetched.
type LocalStateError struct {
	Name string
	Err  error
}

func (e *LocalStateError) Error() string {
	return fmt.Sprintf("unusable local state in %s: %v", e.Name, e.Err)
}

func (e *LocalStateError) Unwrap() error {
	return e.Err
}

// Policy reads local state from a store.
type Policy struct {
	store  storage.Store
	logger zerolog.Logger
}

// New creates a policy over store.
func New(store storage.Store, logger zerolog.Logger) *Policy {
	return &Policy{
		store:  store,
		logger: logger.With().Str("component", "incremental").Logger(),
	}
}

// Decide returns Skip only when target exists and stamp records a modification
// time not older than remote. Any doubt resolves to Fetch.
func (p *Policy) Decide(ctx context.Context, remote time.Time, target, stamp string) Decision {
	d := p.decide(ctx, remote, target, stamp)
	decisionsTotal.WithLabelValues(d.String()).Inc()
	return d
}

func (p *Policy) decide(ctx context.Context, remote time.Time, target, stamp string) Decision {
	if remote.IsZero() {
		return Fetch
	}

	exists, err := p.store.Exists(ctx, target)
	if err != nil {
		p.logger.Debug().Err(err).Str("target", target).Msg("Cannot check local artifact")
		return Fetch
	}
	if !exists {
		return Fetch
	}

	local, err := p.localModified(ctx, stamp)
	if err != nil {
		p.logger.Debug().Err(err).Str("target", target).Msg("Ignoring local state")
		return Fetch
	}

	if local.Before(remote) {
		return Fetch
	}
	return Skip
}

// localModified reads the "modified" field of the stamp document.
func (p *Policy) localModified(ctx context.Context, stamp string) (time.Time, error) {
	data, err := p.store.Read(ctx, stamp)
	if err != nil {
		return time.Time{}, &LocalStateError{Name: stamp, Err: err}
	}

	var doc struct {
		Modified *string `json:"modified"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return time.Time{}, &LocalStateError{Name: stamp, Err: err}
	}
	if doc.Modified == nil {
		return time.Time{}, &LocalStateError{Name: stamp, Err: fmt.Errorf("no modified field")}
	}

	t, err := ParseTimestamp(*doc.Modified)
	if err != nil {
		return time.Time{}, &LocalStateError{Name: stamp, Err: err}
	}
	return t, nil
}

// ParseTimestamp parses the ISO-8601 timestamps used by the Mapbox APIs, with or
// without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
