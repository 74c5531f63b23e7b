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
)

// NewBuffer decouples the caller's readiness from the inner service through a
// bounded dispatch queue served by one spawned dispatcher. Ready reserves a
// queue slot; when the queue is full callers block in Ready, which is the
// only backpressure point on the request path. Close closes the inner service
// when it implements io.Closer; it does not stop the dispatcher, which runs
// until ctx ends.
func NewBuffer[Q, S any](ctx context.Context, inner Service[Q, S], capacity int) Service[Q, S] {
	if capacity < 1 {
		capacity = 1
	}

	o := &buf[Q, S]{
		inn: inner,
		slt: make(chan struct{}, capacity),
		rqs: make(chan bufReq[Q, S], capacity),
		dne: make(chan struct{}),
	}

	go o.dispatch(ctx)

	return o
}

type bufReq[Q, S any] struct {
	ctx context.Context
	req Q
	res chan bufRes[S]
}

type bufRes[S any] struct {
	val S
	err error
}

type buf[Q, S any] struct {
	inn Service[Q, S]
	slt chan struct{}
	rqs chan bufReq[Q, S]
	dne chan struct{}
}

func (o *buf[Q, S]) Ready(ctx context.Context) error {
	select {
	case o.slt <- struct{}{}:
		return nil
	case <-o.dne:
		return ErrorBufferClosed.Error(nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *buf[Q, S]) Call(ctx context.Context, req Q) (S, error) {
	var zro S

	r := bufReq[Q, S]{
		ctx: ctx,
		req: req,
		res: make(chan bufRes[S], 1),
	}

	select {
	case o.rqs <- r:
	case <-o.dne:
		<-o.slt
		return zro, ErrorBufferClosed.Error(nil)
	case <-ctx.Done():
		<-o.slt
		return zro, ctx.Err()
	}

	select {
	case s := <-r.res:
		return s.val, s.err
	case <-ctx.Done():
		return zro, ctx.Err()
	}
}

func (o *buf[Q, S]) dispatch(ctx context.Context) {
	defer close(o.dne)

	for {
		select {
		case r := <-o.rqs:
			o.serve(r)
		case <-ctx.Done():
			return
		}
	}
}

func (o *buf[Q, S]) serve(r bufReq[Q, S]) {
	defer func() {
		<-o.slt
	}()

	if r.ctx.Err() != nil {
		r.res <- bufRes[S]{err: r.ctx.Err()}
		return
	}

	if e := o.inn.Ready(r.ctx); e != nil {
		r.res <- bufRes[S]{err: e}
		return
	}

	v, e := o.inn.Call(r.ctx, r.req)
	r.res <- bufRes[S]{val: v, err: e}
}

// Close releases the inner service when it owns closable resources.
func (o *buf[Q, S]) Close() error {
	if c, k := o.inn.(io.Closer); k {
		return c.Close()
	}

	return nil
}
