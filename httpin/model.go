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

package httpin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	liblog "github.com/nabbar/golib/logger"
	libsem "github.com/nabbar/golib/semaphore"

	libdrn "github/sabouaram/meshproxy/drain"
	libhot "github/sabouaram/meshproxy/httpout"
	libmet "github/sabouaram/meshproxy/metrics"
	libprf "github/sabouaram/meshproxy/profile"
	libstk "github/sabouaram/meshproxy/stack"
	libtap "github/sabouaram/meshproxy/tap"
)

type srv struct {
	cfg Config
	cli libhot.MakeClient
	prf libprf.Getter
	drn libdrn.Watch
	prm *libmet.Proxy
	tap libtap.Registry
	sem libsem.Semaphore
	cch libstk.Cache[Target, *http.Request, *http.Response]
	log liblog.FuncLog
}

func (o *srv) logger() liblog.Logger {
	if o.log != nil {
		if l := o.log(); l != nil {
			return l
		}
	}

	return liblog.New(context.Background())
}

func (o *srv) Close() error {
	return o.cch.Close()
}

// ServeConn serves the HTTP session of one detected stream. HTTP/2 prior
// knowledge runs on the h2c path of the same handler.
func (o *srv) ServeConn(ctx context.Context, conn net.Conn, meta ConnMeta) error {
	hnd := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.handle(w, r, meta)
	})

	base := &http.Server{
		Handler: h2c.NewHandler(hnd, &http2.Server{
			MaxConcurrentStreams: o.cfg.H2.MaxConcurrentStreams,
			IdleTimeout:          o.cfg.H2.IdleTimeout.Time(),
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	lst := newOneShot(conn)

	if o.drn != nil {
		go func() {
			select {
			case <-o.drn.Signaled():
				// In-flight requests finish within the shutdown of the
				// connection server; new streams are refused per request.
				_ = base.Shutdown(context.Background())
			case <-lst.done:
			}
		}()
	}

	err := base.Serve(lst)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

// oneShot is a net.Listener yielding exactly one connection, so the stock
// HTTP server machinery can drive a single accepted stream.
type oneShot struct {
	cnn  net.Conn
	used atomic.Bool
	done chan struct{}
}

var errOneShotDone = net.ErrClosed

func newOneShot(c net.Conn) *oneShot {
	return &oneShot{
		cnn:  c,
		done: make(chan struct{}),
	}
}

func (o *oneShot) Accept() (net.Conn, error) {
	if o.used.CompareAndSwap(false, true) {
		return &oneShotConn{Conn: o.cnn, lst: o}, nil
	}

	<-o.done
	return nil, errOneShotDone
}

func (o *oneShot) Close() error {
	return nil
}

func (o *oneShot) Addr() net.Addr {
	return o.cnn.LocalAddr()
}

// oneShotConn unblocks the pending Accept when the single connection closes,
// ending the server loop with it.
type oneShotConn struct {
	net.Conn
	lst *oneShot
	cls atomic.Bool
}

func (o *oneShotConn) Close() error {
	if o.cls.CompareAndSwap(false, true) {
		defer close(o.lst.done)
	}

	return o.Conn.Close()
}
