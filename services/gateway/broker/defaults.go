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

import "sync"

// DefaultIndex maps a normalized language to the id of its default context.
//
// A mapping is never overwritten with a different id; it only goes away when
// the context is deleted.
type DefaultIndex struct {
	mu     sync.RWMutex
	byLang map[string]string
}

// NewDefaultIndex returns an empty index.
func NewDefaultIndex() *DefaultIndex {
	return &DefaultIndex{byLang: make(map[string]string)}
}

// Lookup returns the default context id for language.
func (d *DefaultIndex) Lookup(language string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byLang[language]
	return id, ok
}

// Publish records id as the default for language. It reports false, and
// changes nothing, if a different id is already published.
func (d *DefaultIndex) Publish(language, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.byLang[language]; ok && existing != id {
		return false
	}
	d.byLang[language] = id
	return true
}

// Forget removes every mapping to id.
func (d *DefaultIndex) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for lang, existing := range d.byLang {
		if existing == id {
			delete(d.byLang, lang)
		}
	}
}
