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

// Package stack defines the service abstraction of the proxy pipelines and
// the keyed, demand-driven cache memoizing composed per-target services.
//
// A Service exposes a readiness/call contract; middleware composes by
// wrapping. The cache builds a service per key at most once concurrently
// (single-flight), hands out reference-counted handles, and evicts entries
// once every handle has been released for longer than the idle TTL.
package stack

import (
	"context"
	"io"
)

// Void is the response type of services that only produce side effects, such
// as connection handlers.
type Void struct{}

// Service is the readiness/call contract every pipeline stage implements.
//
// Ready reserves capacity for one call: a caller must not invoke Call before
// Ready returns nil. Implementations surface backpressure by blocking in
// Ready until capacity frees up or the context ends.
type Service[Q, S any] interface {
	// Ready blocks until the service can accept one call, the context ends,
	// or the service fails definitively.
	Ready(ctx context.Context) error

	// Call processes one request. Call may only follow a successful Ready.
	Call(ctx context.Context, req Q) (S, error)
}

// ConnService handles one accepted connection per call.
type ConnService = Service[io.ReadWriteCloser, Void]

// Func adapts a plain function into an always-ready Service.
func Func[Q, S any](f func(ctx context.Context, req Q) (S, error)) Service[Q, S] {
	return fct[Q, S](f)
}

type fct[Q, S any] func(ctx context.Context, req Q) (S, error)

func (f fct[Q, S]) Ready(_ context.Context) error {
	return nil
}

func (f fct[Q, S]) Call(ctx context.Context, req Q) (S, error) {
	return f(ctx, req)
}
