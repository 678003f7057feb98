// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broker

import (
	"sort"
	"sync"

	"github.com/AleutianAI/codegate/services/gateway/datatypes"
)

// DefaultAlias is the reserved context id that addresses the default
// language's default context.
const DefaultAlias = "default"

// Entry is a live context and the session currently serving it.
type Entry struct {
	Context   datatypes.Context
	SessionID string
	Session   Session
}

// Registry maps context ids to live entries.
//
// # Description
//
// The "default" alias is stored as a pointer to a real id. It never owns a
// session, so removing the real id also clears the alias. Every mutation is
// one short critical section; readers see either the old or the new entry
// for an id, never a gap.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	alias   string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Get returns the entry for id, resolving the "default" alias.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == DefaultAlias {
		if r.alias == "" {
			return Entry{}, false
		}
		id = r.alias
	}
	e, ok := r.entries[id]
	return e, ok
}

// Put registers a new entry under its context id.
func (r *Registry) Put(e Entry) {
	r.mu.Lock()
	r.entries[e.Context.ID] = e
	r.mu.Unlock()
}

// Replace swaps the session for an existing id. It reports false if the id
// is no longer registered.
func (r *Registry) Replace(id string, session Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.Session = session
	r.entries[id] = e
	return true
}

// Remove deletes id and clears the alias if it pointed there.
func (r *Registry) Remove(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, id)
	if r.alias == id {
		r.alias = ""
	}
	return e, true
}

// SetDefaultAlias points "default" at id.
func (r *Registry) SetDefaultAlias(id string) {
	r.mu.Lock()
	r.alias = id
	r.mu.Unlock()
}

// Snapshot returns every live context, sorted by id. The alias is not listed.
func (r *Registry) Snapshot() []datatypes.Context {
	r.mu.RLock()
	out := make([]datatypes.Context, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Context)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Drain removes and returns every entry.
func (r *Registry) Drain() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.entries = make(map[string]Entry)
	r.alias = ""
	return out
}
