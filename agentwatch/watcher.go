// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentwatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jlongo78/spaces-sub000/lib/clock"
)

// Detection is emitted when a pane's agent session id is discovered.
type Detection struct {
	PaneID    string
	SessionID string
}

// Config holds the parameters for New.
type Config struct {
	// PollInterval is the time between directory scans.
	PollInterval time.Duration

	// MaxAttempts bounds the number of scans per watch.
	MaxAttempts int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Watcher starts transcript watches.
type Watcher struct {
	interval    time.Duration
	maxAttempts int
	clock       clock.Clock
	logger      *slog.Logger
}

// New returns a Watcher. Zero fields take the defaults of 2s and 30
// attempts.
func New(cfg Config) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		interval:    cfg.PollInterval,
		maxAttempts: cfg.MaxAttempts,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// Watch is one running discovery. It stops after its first detection,
// after the attempt bound, or on Cancel.
type Watch struct {
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// Cancel stops the watch. No detection is emitted after Cancel
// returns unless emit was already running.
func (w *Watch) Cancel() {
	w.cancelOnce.Do(func() { close(w.cancel) })
}

// Done is closed when the watch has stopped.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Watch snapshots the transcripts in dir and polls for a new one.
// emit is called at most once, from the watch goroutine.
func (w *Watcher) Watch(paneID, dir string, emit func(Detection)) *Watch {
	watch := &Watch{cancel: make(chan struct{}), done: make(chan struct{})}
	known := listSessions(dir)
	ticker := w.clock.NewTicker(w.interval)
	logger := w.logger.With("pane_id", paneID, "dir", dir)

	go func() {
		defer close(watch.done)
		defer ticker.Stop()

		for attempt := 1; attempt <= w.maxAttempts; attempt++ {
			select {
			case <-watch.cancel:
				return
			case <-ticker.C:
			}

			sessionID, found := newestUnknown(listSessions(dir), known)
			if !found {
				continue
			}
			select {
			case <-watch.cancel:
				return
			default:
			}
			logger.Info("agent session detected", "session_id", sessionID, "attempt", attempt)
			emit(Detection{PaneID: paneID, SessionID: sessionID})
			return
		}
		logger.Debug("agent session not detected", "attempts", w.maxAttempts)
	}()
	return watch
}

// listSessions returns the UUID-named transcripts in dir with their
// modification times. A missing directory is empty.
func listSessions(dir string) map[string]time.Time {
	sessions := make(map[string]time.Time)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return sessions
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".jsonl" {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sessions[id] = info.ModTime()
	}
	return sessions
}

// newestUnknown picks the most recently modified session absent from
// known. Ties break on id so the choice is stable.
func newestUnknown(current, known map[string]time.Time) (string, bool) {
	var bestID string
	var bestTime time.Time
	for id, modified := range current {
		if _, seen := known[id]; seen {
			continue
		}
		if bestID == "" || modified.After(bestTime) || (modified.Equal(bestTime) && id < bestID) {
			bestID, bestTime = id, modified
		}
	}
	return bestID, bestID != ""
}
