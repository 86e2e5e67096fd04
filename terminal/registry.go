// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jlongo78/spaces-sub000/agentwatch"
	"github.com/jlongo78/spaces-sub000/auth"
	"github.com/jlongo78/spaces-sub000/launcher"
	"github.com/jlongo78/spaces-sub000/lib/clock"
)

var (
	// ErrSessionNotFound is returned for a pane id with no live session.
	ErrSessionNotFound = errors.New("terminal: session not found")

	// ErrForbidden is returned when a non-admin caller addresses a
	// pane owned by another user.
	ErrForbidden = errors.New("terminal: pane belongs to another user")

	// ErrShuttingDown is returned by Open after Shutdown started.
	ErrShuttingDown = errors.New("terminal: registry shutting down")
)

// Spawner starts pane processes. *launcher.Launcher implements it.
type Spawner interface {
	Launch(ctx context.Context, request launcher.Request) (*launcher.Result, error)
}

// RegistryConfig holds the parameters for NewRegistry.
type RegistryConfig struct {
	Spawner Spawner

	// Watcher discovers agent session ids. Nil disables discovery.
	Watcher *agentwatch.Watcher

	// BufferChunks is the per-session replay capacity.
	BufferChunks int

	// ExitGrace is how long an exited session stays attachable.
	ExitGrace time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry maps pane ids to sessions. Each pane id is spawned at most
// once while its session lives; concurrent opens of a new pane id wait
// for the first spawn instead of starting their own.
type Registry struct {
	spawner      Spawner
	watcher      *agentwatch.Watcher
	bufferChunks int
	exitGrace    time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mutex    sync.Mutex
	entries  map[string]*entry
	shutdown bool
}

// entry is a registry slot. It is inserted as a placeholder before the
// spawn and published by closing ready.
type entry struct {
	ready   chan struct{}
	session *session
	err     error
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Spawner == nil {
		return nil, errors.New("terminal: Spawner is required")
	}
	if cfg.BufferChunks <= 0 {
		return nil, errors.New("terminal: BufferChunks must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		spawner:      cfg.Spawner,
		watcher:      cfg.Watcher,
		bufferChunks: cfg.BufferChunks,
		exitGrace:    cfg.ExitGrace,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		entries:      make(map[string]*entry),
	}, nil
}

// Open returns the session for request.PaneID, spawning it if the pane
// is unknown. reattached is false only for the caller whose open
// spawned the process. A spawn failure leaves no entry behind.
func (r *Registry) Open(ctx context.Context, request launcher.Request, identity auth.Result) (s *session, reattached bool, err error) {
	for {
		r.mutex.Lock()
		if r.shutdown {
			r.mutex.Unlock()
			return nil, false, ErrShuttingDown
		}
		existing, ok := r.entries[request.PaneID]
		if !ok {
			placeholder := &entry{ready: make(chan struct{})}
			r.entries[request.PaneID] = placeholder
			r.mutex.Unlock()
			return r.create(ctx, placeholder, request, identity)
		}
		r.mutex.Unlock()

		select {
		case <-existing.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if existing.err != nil {
			// The spawn we waited on failed and its placeholder is
			// gone; try again as the creator.
			continue
		}
		if !mayAccess(existing.session, identity) {
			return nil, false, ErrForbidden
		}
		return existing.session, true, nil
	}
}

func (r *Registry) create(ctx context.Context, placeholder *entry, request launcher.Request, identity auth.Result) (*session, bool, error) {
	request.Username = identity.Username
	logger := r.logger.With("pane_id", request.PaneID, "username", identity.Username)

	result, err := r.spawner.Launch(ctx, request)
	if err != nil {
		r.mutex.Lock()
		delete(r.entries, request.PaneID)
		r.mutex.Unlock()
		placeholder.err = err
		close(placeholder.ready)
		return nil, false, err
	}

	s := newSession(request.PaneID, identity.Username, result, request, r.bufferChunks, r.clock.Now(), logger)
	s.onExit = r.scheduleRemoval

	// Publication and the shutdown check share the lock, so a Shutdown
	// either sees this session or this spawn sees the shutdown.
	r.mutex.Lock()
	if r.shutdown {
		delete(r.entries, request.PaneID)
		r.mutex.Unlock()
		if err := result.Process.Kill(); err != nil {
			logger.Debug("killing process spawned during shutdown", "error", err)
		}
		result.Process.Wait()
		result.Process.Close()
		placeholder.err = ErrShuttingDown
		close(placeholder.ready)
		return nil, false, ErrShuttingDown
	}
	placeholder.session = s
	r.mutex.Unlock()

	var watch *agentwatch.Watch
	if r.watcher != nil && result.TranscriptDir != "" {
		watch = r.watcher.Watch(request.PaneID, result.TranscriptDir, s.detected)
	}
	s.start(watch)

	close(placeholder.ready)
	logger.Info("terminal session created", "agent", request.Agent, "work_dir", result.WorkDir)
	return s, false, nil
}

// scheduleRemoval runs on the session's actor goroutine after exit.
func (r *Registry) scheduleRemoval(s *session) {
	r.clock.AfterFunc(r.exitGrace, func() { r.remove(s) })
}

// remove deletes s if it still owns its pane id, then stops it.
func (r *Registry) remove(s *session) {
	r.mutex.Lock()
	current, ok := r.entries[s.paneID]
	owned := ok && current.session == s
	if owned {
		delete(r.entries, s.paneID)
	}
	r.mutex.Unlock()
	if owned {
		s.logger.Info("terminal session removed")
		s.stop()
	}
}

// lookup returns the published session for paneID.
func (r *Registry) lookup(paneID string) (*session, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	e, ok := r.entries[paneID]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) sessions() []*session {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	result := make([]*session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session != nil {
			result = append(result, e.session)
		}
	}
	return result
}

// List returns the sessions visible to identity: its own, or all of
// them for an admin. Sorted by pane id.
func (r *Registry) List(identity auth.Result) []SessionInfo {
	var infos []SessionInfo
	for _, s := range r.sessions() {
		if !mayAccess(s, identity) {
			continue
		}
		if info, ok := s.info(); ok {
			infos = append(infos, info)
		}
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int { return strings.Compare(a.PaneID, b.PaneID) })
	return infos
}

// Len returns the number of sessions, including exited ones in their
// grace window.
func (r *Registry) Len() int {
	return len(r.sessions())
}

// Kill terminates the process of paneID. Closing sockets never does
// this; only Kill and natural exit end a session.
func (r *Registry) Kill(paneID string, identity auth.Result) error {
	s, ok := r.lookup(paneID)
	if !ok {
		return ErrSessionNotFound
	}
	if !mayAccess(s, identity) {
		return ErrForbidden
	}
	select {
	case <-s.exited:
		return nil
	default:
	}
	if err := s.kill(); err != nil {
		return fmt.Errorf("killing pane %s: %w", paneID, err)
	}
	s.logger.Info("terminal session killed", "by", identity.Username)
	return nil
}

// Shutdown refuses new sessions, kills every process, and waits for
// them to exit or ctx to expire. Sessions are then removed without
// waiting for their grace windows.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mutex.Lock()
	r.shutdown = true
	r.mutex.Unlock()

	live := r.sessions()
	for _, s := range live {
		if err := s.kill(); err != nil {
			s.logger.Debug("killing process on shutdown", "error", err)
		}
	}
	var err error
	for _, s := range live {
		select {
		case <-s.exited:
		case <-ctx.Done():
			err = ctx.Err()
		}
		r.remove(s)
	}
	return err
}

func mayAccess(s *session, identity auth.Result) bool {
	return s.owner == identity.Username || identity.IsAdmin()
}
