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

package httpout

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/http2"

	liblog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"

	libbck "github/sabouaram/meshproxy/backoff"
	libhdr "github/sabouaram/meshproxy/header"
	libmet "github/sabouaram/meshproxy/metrics"
	libtap "github/sabouaram/meshproxy/tap"
)

// Client is the versioned upstream client of one endpoint.
type Client interface {
	Ready(ctx context.Context) error
	Call(ctx context.Context, req *http.Request) (*http.Response, error)
	Close() error
}

type mkc struct {
	cfg Config
	prm *libmet.Proxy
	tap libtap.Registry
	log liblog.FuncLog
}

func (o *mkc) logger() liblog.Logger {
	if o.log != nil {
		if l := o.log(); l != nil {
			return l
		}
	}

	return liblog.New(context.Background())
}

func (o *mkc) NewClient(ep Endpoint, route string) Client {
	c := &cli{
		ep:  ep,
		rte: route,
		bck: libbck.New(o.cfg.Backoff),
		prm: o.prm,
		tap: o.tap,
		log: o.logger,
	}

	dial := o.dialer(c)

	if ep.Proto == libhdr.ProtoHTTP2 {
		// One multiplexed prior-knowledge connection per endpoint.
		c.rt = &http2.Transport{
			AllowHTTP:       true,
			ReadIdleTimeout: o.cfg.H2.ReadIdleTimeout.Time(),
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dial(ctx, network, addr)
			},
		}
	} else {
		c.rt = &http.Transport{
			DialContext:         dial,
			MaxIdleConnsPerHost: o.cfg.H1.MaxIdle,
			IdleConnTimeout:     o.cfg.H1.IdleTimeout.Time(),
			ForceAttemptHTTP2:   false,
		}
	}

	return c
}

// dialer wraps the net dialer with the per-endpoint reconnect policy: each
// failed attempt waits out the next backoff delay, and any success re-arms
// the sequence.
func (o *mkc) dialer(c *cli) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   o.cfg.Timeout.Time(),
		KeepAlive: o.cfg.Keepalive.Time(),
	}

	if d.KeepAlive == 0 {
		d.KeepAlive = -1
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		for {
			cnn, err := d.DialContext(ctx, network, addr)

			if err == nil {
				c.bck.Reset()
				return cnn, nil
			}

			c.log().Entry(loglvl.DebugLevel, "connect failed, backing off").FieldAdd("endpoint", addr).ErrorAdd(true, err).Log()

			if e := c.bck.Wait(ctx); e != nil {
				return nil, ErrorConnect.Error(err)
			}
		}
	}
}

type cli struct {
	ep  Endpoint
	rte string
	rt  http.RoundTripper
	bck libbck.Backoff
	prm *libmet.Proxy
	tap libtap.Registry
	log liblog.FuncLog
}

// Ready reflects the transport's ability to take one more request. Both
// transports queue internally, so readiness is immediate; hard failure shows
// up on Call.
func (o *cli) Ready(_ context.Context) error {
	return nil
}

func (o *cli) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.URL.Scheme = "http"
	out.URL.Host = o.ep.Addr.String()
	out.RequestURI = ""

	// Forward the trace context of the active server span.
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(out.Header))

	if o.ep.Proto == libhdr.ProtoHTTP2 {
		out.Proto = "HTTP/2.0"
		out.ProtoMajor, out.ProtoMinor = 2, 0
	}

	beg := time.Now()
	res, err := o.rt.RoundTrip(out)

	if err != nil {
		return nil, ErrorRoundTrip.Error(err)
	}

	o.observe(req, res, beg)

	return res, nil
}

// observe wires the metrics and tap mirror into the response body so sizes
// and latency cover the full transfer.
func (o *cli) observe(req *http.Request, res *http.Response, beg time.Time) {
	cnt := &body{rc: res.Body}

	res.Body = bodyDone(cnt, func() {
		lat := time.Since(beg)

		if o.prm != nil {
			o.prm.IncClientRequest(libmet.StatusClass(res.StatusCode), o.ep.Authority(), o.rte, lat, cnt.n)
		}

		o.tap.Mirror(libtap.Event{
			Direction: libtap.DirClient,
			Authority: o.ep.Authority(),
			Method:    req.Method,
			Path:      req.URL.Path,
			Status:    res.StatusCode,
			Latency:   lat,
			RequestAt: beg,
		})
	})
}

func (o *cli) Close() error {
	switch t := o.rt.(type) {
	case *http.Transport:
		t.CloseIdleConnections()
	case *http2.Transport:
		t.CloseIdleConnections()
	}

	return nil
}

// body counts transferred bytes.
type body struct {
	rc io.ReadCloser
	n  int64
}

func (o *body) Read(p []byte) (int, error) {
	n, e := o.rc.Read(p)
	o.n += int64(n)
	return n, e
}

func (o *body) Close() error {
	return o.rc.Close()
}

// bodyDone invokes fct exactly once, at EOF or close, whichever comes first.
func bodyDone(rc io.ReadCloser, fct func()) io.ReadCloser {
	return &bdn{rc: rc, fct: fct}
}

type bdn struct {
	rc   io.ReadCloser
	fct  func()
	done bool
}

func (o *bdn) fire() {
	if !o.done {
		o.done = true
		o.fct()
	}
}

func (o *bdn) Read(p []byte) (int, error) {
	n, e := o.rc.Read(p)

	if e != nil {
		o.fire()
	}

	return n, e
}

func (o *bdn) Close() error {
	e := o.rc.Close()
	o.fire()
	return e
}
