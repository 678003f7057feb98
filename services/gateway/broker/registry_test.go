// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codegate/services/gateway/datatypes"
)

func entry(id, language string) Entry {
	return Entry{
		Context:   datatypes.Context{ID: id, Language: language, Cwd: "/app"},
		SessionID: "s-" + id,
		Session:   &fakeSession{kernelID: id},
	}
}

func TestRegistry_AliasIsAPointer(t *testing.T) {
	r := NewRegistry()
	r.Put(entry("k1", "python"))

	_, ok := r.Get(DefaultAlias)
	assert.False(t, ok)

	r.SetDefaultAlias("k1")
	e, ok := r.Get(DefaultAlias)
	require.True(t, ok)
	assert.Equal(t, "k1", e.Context.ID)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Remove("k1")
	assert.True(t, ok)
	_, ok = r.Get(DefaultAlias)
	assert.False(t, ok, "removing the real id clears the alias")
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry()
	r.Put(entry("k1", "python"))

	fresh := &fakeSession{kernelID: "k1"}
	assert.True(t, r.Replace("k1", fresh))
	e, _ := r.Get("k1")
	assert.Same(t, fresh, e.Session)
	assert.Equal(t, "s-k1", e.SessionID)

	assert.False(t, r.Replace("missing", fresh))
}

func TestRegistry_SnapshotSortedAndDrain(t *testing.T) {
	r := NewRegistry()
	r.Put(entry("b", "r"))
	r.Put(entry("a", "python"))
	r.SetDefaultAlias("a")

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)

	drained := r.Drain()
	assert.Len(t, drained, 2)
	assert.Zero(t, r.Len())
	_, ok := r.Get(DefaultAlias)
	assert.False(t, ok)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		id := string(rune('a' + i%26))
		go func() {
			defer wg.Done()
			r.Put(entry(id, "python"))
			r.Replace(id, &fakeSession{})
		}()
		go func() {
			defer wg.Done()
			_ = r.Snapshot()
			_, _ = r.Get(id)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 26)
}

func TestDefaultIndex_NeverOverwrites(t *testing.T) {
	d := NewDefaultIndex()

	assert.True(t, d.Publish("python", "k1"))
	assert.True(t, d.Publish("python", "k1"))
	assert.False(t, d.Publish("python", "k2"))

	id, ok := d.Lookup("python")
	require.True(t, ok)
	assert.Equal(t, "k1", id)

	d.Forget("k1")
	_, ok = d.Lookup("python")
	assert.False(t, ok)
	assert.True(t, d.Publish("python", "k2"))
}

func TestKeyLock_SerializesSameKey(t *testing.T) {
	l := NewKeyLock()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "lang:python")
			require.NoError(t, err)
			defer unlock()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestKeyLock_IndependentKeysAndCancellation(t *testing.T) {
	l := NewKeyLock()
	unlockA, err := l.Lock(context.Background(), "ctx:a")
	require.NoError(t, err)

	unlockB, err := l.Lock(context.Background(), "ctx:b")
	require.NoError(t, err, "a different key must not block")
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "ctx:a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA()
	unlockA2, err := l.Lock(context.Background(), "ctx:a")
	require.NoError(t, err)
	unlockA2()
}
