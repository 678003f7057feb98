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
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyLock is a set of exclusive sections keyed by string.
//
// # Description
//
// A key's section is created on first use and kept for the life of the
// process. Waiting honours context cancellation.
//
// # Examples
//
//	unlock, err := locks.Lock(ctx, "lang:python")
//	if err != nil {
//	    return err
//	}
//	defer unlock()
type KeyLock struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewKeyLock returns an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{sems: make(map[string]*semaphore.Weighted)}
}

// Lock blocks until key is free or ctx ends.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	sem := l.get(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

func (l *KeyLock) get(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[key] = sem
	}
	return sem
}
