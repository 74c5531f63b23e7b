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
	"io"
	"time"
)

// NewFailFast converts slow readiness into prompt retriable failure: when the
// inner service is not ready within the dispatch timeout, Ready returns
// ErrorDispatchTimeout instead of blocking the caller further.
func NewFailFast[Q, S any](inner Service[Q, S], dispatchTimeout time.Duration) Service[Q, S] {
	if dispatchTimeout <= 0 {
		return inner
	}

	return &ffs[Q, S]{
		Service: inner,
		tmo:     dispatchTimeout,
	}
}

type ffs[Q, S any] struct {
	Service[Q, S]
	tmo time.Duration
}

func (o *ffs[Q, S]) Ready(ctx context.Context) error {
	x, c := context.WithTimeout(ctx, o.tmo)
	defer c()

	if e := o.Service.Ready(x); e == nil {
		return nil
	} else if x.Err() != nil && ctx.Err() == nil {
		return ErrorDispatchTimeout.Error(nil)
	} else {
		return e
	}
}

// Close releases the inner service when it owns closable resources.
func (o *ffs[Q, S]) Close() error {
	if c, k := o.Service.(io.Closer); k {
		return c.Close()
	}

	return nil
}
