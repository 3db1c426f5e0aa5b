// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"sort"
	"sync"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
)

// SessionRegistry tracks live sessions so their counters can be polled.
//
// Description:
//
//	Sessions are added by whoever begins them. The registry also
//	implements guard.Observer: attaching it to a session removes the
//	session when it finishes, so callers only need to call Add.
//
// Thread Safety: Safe for concurrent use.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*guard.Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*guard.Session)}
}

// Add registers s. Finished sessions are ignored.
func (r *SessionRegistry) Add(s *guard.Session) {
	if s == nil || s.State() == guard.StateFinished {
		return
	}
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Remove forgets the session with the given ID.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the live session with the given ID.
func (r *SessionRegistry) Get(id string) (*guard.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshots returns a snapshot of every live session, ordered by ID.
func (r *SessionRegistry) Snapshots() []guard.MetricsSnapshot {
	r.mu.RLock()
	live := make([]*guard.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	out := make([]guard.MetricsSnapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ObserveOperation implements guard.Observer.
func (r *SessionRegistry) ObserveOperation(guard.OperationRecord) {}

// ObserveSession implements guard.Observer by removing the finished session.
func (r *SessionRegistry) ObserveSession(rep *guard.PerformanceReport) {
	if rep != nil {
		r.Remove(rep.SessionID)
	}
}
