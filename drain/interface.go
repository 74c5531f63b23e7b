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

// Package drain coordinates graceful shutdown between the serve loop and the
// request pipelines.
//
// A single Signaler flips the shared token from open to closing, exactly
// once. Watchers refuse new work once closing, and clone Retention handles
// into in-flight responses so the resources serving them outlive the
// connection. The signaler's Drained only completes once every retention
// handle has been released.
package drain

import (
	"context"
	"sync/atomic"
)

// Retention anchors the resources serving one in-flight response. Release it
// exactly once, when the response body is fully transmitted.
type Retention interface {
	// Release drops this handle. Further calls are no-ops.
	Release()
}

// Watch is the consumer side of the drain token.
type Watch interface {
	// IsClosing reports whether shutdown has been signaled.
	IsClosing() bool

	// Signaled returns a channel closed when shutdown is signaled.
	Signaled() <-chan struct{}

	// Retain clones a retention handle tied to this token. Retain after
	// signal is still valid: it covers in-flight work finishing up.
	Retain() Retention
}

// Signaler is the producer side of the drain token.
type Signaler interface {
	// Signal transitions the token to closing. The transition is monotonic;
	// repeated calls are no-ops.
	Signal()

	// Drained blocks until every retention handle has been released, or the
	// context ends. Signal must have been called first for this to ever
	// complete on an active proxy.
	Drained(ctx context.Context) error
}

// New returns the paired halves of a fresh drain token in the open state.
func New() (Signaler, Watch) {
	t := &tkn{
		sig: make(chan struct{}),
		rel: make(chan struct{}, 1),
	}

	return t, t
}

type tkn struct {
	cls atomic.Bool
	cnt atomic.Int64
	sig chan struct{}
	rel chan struct{}
}

type ret struct {
	t   *tkn
	rls atomic.Bool
}

func (o *tkn) Signal() {
	if o.cls.CompareAndSwap(false, true) {
		close(o.sig)
	}
}

func (o *tkn) IsClosing() bool {
	return o.cls.Load()
}

func (o *tkn) Signaled() <-chan struct{} {
	return o.sig
}

func (o *tkn) Retain() Retention {
	o.cnt.Add(1)
	return &ret{t: o}
}

func (o *tkn) Drained(ctx context.Context) error {
	for {
		if o.cnt.Load() == 0 {
			return nil
		}

		select {
		case <-o.rel:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *ret) Release() {
	if !o.rls.CompareAndSwap(false, true) {
		return
	}

	if o.t.cnt.Add(-1) == 0 {
		select {
		case o.t.rel <- struct{}{}:
		default:
		}
	}
}
