// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store holds the current policy for new sessions.
//
// Description:
//
//	Sessions capture the policy pointer once at Begin, so swapping the
//	store only affects sessions started afterwards. Reads are a single
//	atomic load.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	current atomic.Pointer[Policy]
	version atomic.Uint64
}

// NewStore creates a store holding initial. A nil initial uses Default().
func NewStore(initial *Policy) *Store {
	if initial == nil {
		initial = Default()
	}
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Load returns the current policy.
func (s *Store) Load() *Policy {
	return s.current.Load()
}

// Swap validates p and makes it current, returning the previous policy.
func (s *Store) Swap(p *Policy) (*Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	prev := s.current.Swap(p)
	s.version.Add(1)
	return prev, nil
}

// Version counts successful swaps.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// -----------------------------------------------------------------------------
// Watcher
// -----------------------------------------------------------------------------

// ErrWatcherStarted is returned when Start is called twice.
var ErrWatcherStarted = errors.New("policy watcher already started")

// DefaultReloadDebounce coalesces bursts of editor writes into one reload.
const DefaultReloadDebounce = 100 * time.Millisecond

// Watcher reloads a policy file into a Store when it changes.
//
// Description:
//
//	Watcher watches the file's directory rather than the file itself so
//	that editors which replace files via rename are still observed.
//	Events are debounced, the file is re-read with Load, and a valid
//	result is swapped into the store. Invalid edits are logged and the
//	current policy stays in force.
//
// Thread Safety: Start and Stop are safe to call from any goroutine.
type Watcher struct {
	path     string
	store    *Store
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*Policy)

	watcher  *fsnotify.Watcher
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultReloadDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook registers a callback invoked after each successful reload.
func WithReloadHook(fn func(*Policy)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a watcher for path feeding store.
//
// Inputs:
//   - path: Policy file to watch. Must not be empty.
//   - store: Destination store. Must not be nil.
//   - logger: Logger. If nil, uses slog.Default().
//
// Outputs:
//   - *Watcher: The watcher, not yet started.
//   - error: Non-nil if fsnotify cannot be initialized.
func NewWatcher(path string, store *Store, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	if path == "" || store == nil {
		return nil, &ConfigError{Field: "watcher", Reason: "path and store are required"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		path:     abs,
		store:    store,
		logger:   logger.With(slog.String("component", "policy_watcher")),
		debounce: DefaultReloadDebounce,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. It returns immediately; events are handled on
// a background goroutine until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrWatcherStarted
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	w.wg.Add(1)
	go w.processEvents(ctx)

	w.logger.Info("policy watcher started", slog.String("path", w.path))
	return nil
}

// Stop halts the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		w.wg.Wait()
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		reload = func() {
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		}
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", slog.String("error", err.Error()))
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		w.logger.Warn("policy reload rejected, keeping current policy",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := w.store.Swap(p); err != nil {
		w.logger.Warn("policy swap rejected", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("policy reloaded",
		slog.String("path", w.path),
		slog.String("policy", p.Name),
		slog.Uint64("version", w.store.Version()),
	)
	if w.onReload != nil {
		w.onReload(p)
	}
}
