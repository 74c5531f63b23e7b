/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package stack

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	liberr "github.com/nabbar/golib/errors"
	"golang.org/x/sync/singleflight"
)

// Builder constructs the composed service of one cache key. It runs at most
// once concurrently per key.
type Builder[K comparable, Q, S any] func(ctx context.Context, key K) (Service[Q, S], error)

// Handle is a reference-counted view on a cached service. Release it once
// the connection or response it serves is finished; the entry only becomes
// idle when every handle is released.
type Handle[Q, S any] interface {
	Service[Q, S]

	// Release drops this handle. Further calls are no-ops.
	Release()
}

// Cache memoizes composed per-target services with single-flight
// construction and idle-TTL eviction.
type Cache[K comparable, Q, S any] interface {
	// GetOrBuild returns a handle on the service of key, building it when
	// absent. Concurrent callers for the same key share one construction.
	GetOrBuild(ctx context.Context, key K) (Handle[Q, S], liberr.Error)

	// Len returns the number of live and idle entries.
	Len() int

	// Close evicts everything. The sweeper keeps running until the context
	// given to NewCache ends.
	Close() error
}

// NewCache returns a cache evicting entries idle for at least maxIdleAge.
// The sweeper runs on a cooperative tick and stops with the context.
func NewCache[K comparable, Q, S any](ctx context.Context, build Builder[K, Q, S], maxIdleAge time.Duration) Cache[K, Q, S] {
	if maxIdleAge <= 0 {
		maxIdleAge = 10 * time.Second
	}

	c := &cch[K, Q, S]{
		bld: build,
		ttl: maxIdleAge,
		ent: make(map[K]*ent[K, Q, S]),
	}

	go c.sweep(ctx)

	return c
}

type ent[K comparable, Q, S any] struct {
	key  K
	svc  Service[Q, S]
	refs int
	idle time.Time
	used time.Time
}

type cch[K comparable, Q, S any] struct {
	m   sync.Mutex
	bld Builder[K, Q, S]
	ttl time.Duration
	ent map[K]*ent[K, Q, S]
	sfg singleflight.Group
	cls bool
}

type hnd[K comparable, Q, S any] struct {
	m   sync.Mutex
	c   *cch[K, Q, S]
	e   *ent[K, Q, S]
	rls bool
}

func (o *cch[K, Q, S]) GetOrBuild(ctx context.Context, key K) (Handle[Q, S], liberr.Error) {
	if h := o.acquire(key); h != nil {
		return h, nil
	}

	// Single-flight construction: concurrent requesters for the same key
	// share one builder run and each acquire their own handle afterwards.
	_, err, _ := o.sfg.Do(fmt.Sprintf("%#v", key), func() (interface{}, error) {
		if o.contains(key) {
			return nil, nil
		}

		svc, e := o.bld(ctx, key)
		if e != nil {
			return nil, e
		}

		o.insert(key, svc)
		return nil, nil
	})

	if err != nil {
		return nil, ErrorBuild.Error(err)
	}

	if h := o.acquire(key); h != nil {
		return h, nil
	}

	return nil, ErrorClosed.Error(nil)
}

func (o *cch[K, Q, S]) contains(key K) bool {
	o.m.Lock()
	defer o.m.Unlock()

	_, k := o.ent[key]
	return k
}

// acquire bumps the refcount of an existing entry and clears its idle mark.
func (o *cch[K, Q, S]) acquire(key K) Handle[Q, S] {
	o.m.Lock()
	defer o.m.Unlock()

	e, k := o.ent[key]
	if !k {
		return nil
	}

	e.refs++
	e.idle = time.Time{}
	e.used = time.Now()

	return &hnd[K, Q, S]{c: o, e: e}
}

func (o *cch[K, Q, S]) insert(key K, svc Service[Q, S]) {
	o.m.Lock()
	defer o.m.Unlock()

	if o.cls {
		closeService(svc)
		return
	}

	o.ent[key] = &ent[K, Q, S]{
		key:  key,
		svc:  svc,
		used: time.Now(),
	}
}

// release drops one reference; the last drop stamps the idle instant that
// starts the eviction clock.
func (o *cch[K, Q, S]) release(e *ent[K, Q, S]) {
	o.m.Lock()
	defer o.m.Unlock()

	if e.refs > 0 {
		e.refs--
	}

	if e.refs == 0 {
		e.idle = time.Now()
	}
}

func (o *cch[K, Q, S]) Len() int {
	o.m.Lock()
	defer o.m.Unlock()

	return len(o.ent)
}

func (o *cch[K, Q, S]) Close() error {
	o.m.Lock()
	defer o.m.Unlock()

	o.cls = true

	for k, e := range o.ent {
		closeService(e.svc)
		delete(o.ent, k)
	}

	return nil
}

func (o *cch[K, Q, S]) sweep(ctx context.Context) {
	tck := time.NewTicker(o.tick())
	defer tck.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = o.Close()
			return
		case <-tck.C:
			o.evictIdle()
		}
	}
}

func (o *cch[K, Q, S]) tick() time.Duration {
	if t := o.ttl / 4; t >= 100*time.Millisecond {
		return t
	}

	return 100 * time.Millisecond
}

func (o *cch[K, Q, S]) evictIdle() {
	var drop []*ent[K, Q, S]

	o.m.Lock()
	now := time.Now()

	for k, e := range o.ent {
		if e.refs == 0 && !e.idle.IsZero() && now.Sub(e.idle) >= o.ttl {
			drop = append(drop, e)
			delete(o.ent, k)
		}
	}
	o.m.Unlock()

	// Close outside the index lock.
	for _, e := range drop {
		closeService(e.svc)
	}
}

func closeService(svc any) {
	if c, k := svc.(io.Closer); k {
		_ = c.Close()
	}
}

func (o *hnd[K, Q, S]) Ready(ctx context.Context) error {
	return o.e.svc.Ready(ctx)
}

func (o *hnd[K, Q, S]) Call(ctx context.Context, req Q) (S, error) {
	return o.e.svc.Call(ctx, req)
}

func (o *hnd[K, Q, S]) Release() {
	o.m.Lock()
	defer o.m.Unlock()

	if o.rls {
		return
	}

	o.rls = true
	o.c.release(o.e)
}
