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
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	liberr "github.com/nabbar/golib/errors"
	loglvl "github.com/nabbar/golib/logger/level"

	libhot "github/sabouaram/meshproxy/httpout"
	libstk "github/sabouaram/meshproxy/stack"
	libtap "github/sabouaram/meshproxy/tap"
)

// handle drives one request through the pipeline, outer to inner: normalize,
// downgrade, trace, admission, target derivation, per-target stack, then tap
// once the upstream answered.
func (o *srv) handle(w http.ResponseWriter, r *http.Request, meta ConnMeta) {
	beg := time.Now()

	o.normalize(r)
	o.downgrade(r)

	ctx, end := o.traceStart(r, meta)
	defer end()

	if o.drn != nil && o.drn.IsClosing() {
		o.synthesize(w, r, meta, ErrorDrainClosing.Error(nil))
		return
	}

	if o.sem != nil {
		if e := o.sem.NewWorker(); e != nil {
			o.synthesize(w, r, meta, ErrorOverCapacity.Error(e))
			return
		}
		defer o.sem.DeferWorker()
	}

	// The retention clone anchors the response until fully transmitted.
	if o.drn != nil {
		ret := o.drn.Retain()
		defer ret.Release()
	}

	tgt := o.deriveTarget(r, meta)

	hdl, err := o.cch.GetOrBuild(ctx, tgt)
	if err != nil {
		o.synthesize(w, r, meta, err)
		return
	}
	defer hdl.Release()

	if e := hdl.Ready(ctx); e != nil {
		o.synthesize(w, r, meta, e)
		return
	}

	res, e := hdl.Call(ctx, r.WithContext(ctx))
	if e != nil {
		o.synthesize(w, r, meta, e)
		return
	}

	o.mirror(r, res.StatusCode, tgt, beg)
	o.write(w, res)
}

// normalize rewrites an HTTP/1 origin-form request into an absolute target,
// using the Host header. The settled destination is not consulted, so a
// request without a Host keeps an empty URL host.
func (o *srv) normalize(r *http.Request) {
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}

	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
}

// downgrade restores HTTP/1 semantics on requests a downstream proxy wrapped
// into HTTP/2, marked with the original-protocol header.
func (o *srv) downgrade(r *http.Request) {
	op := r.Header.Get(HeaderOrigProto)
	if op == "" {
		return
	}

	r.Header.Del(HeaderOrigProto)

	if strings.HasPrefix(op, "HTTP/1") {
		r.Proto = op
		r.ProtoMajor, r.ProtoMinor = 1, 1
	}
}

func (o *srv) mirror(r *http.Request, status int, tgt Target, beg time.Time) {
	o.tap.Mirror(libtap.Event{
		Direction: libtap.DirServer,
		Authority: tgt.Authority(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Status:    status,
		Latency:   time.Since(beg),
		RequestAt: beg,
	})
}

func (o *srv) write(w http.ResponseWriter, res *http.Response) {
	defer func() {
		_ = res.Body.Close()
	}()

	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	w.WriteHeader(res.StatusCode)
	_, _ = io.Copy(w, res.Body)
}

// synthesize converts a pipeline failure into an HTTP response; per-connection
// errors never escape the request context.
func (o *srv) synthesize(w http.ResponseWriter, r *http.Request, meta ConnMeta, e error) {
	var (
		status    = http.StatusInternalServerError
		retriable = false
	)

	switch {
	case liberr.IsCode(e, ErrorDrainClosing):
		status, retriable = http.StatusServiceUnavailable, true
	case liberr.IsCode(e, ErrorOverCapacity), liberr.IsCode(e, libstk.ErrorOverCapacity):
		status, retriable = http.StatusServiceUnavailable, true
	case liberr.IsCode(e, libstk.ErrorDispatchTimeout):
		status, retriable = http.StatusServiceUnavailable, true
	case liberr.IsCode(e, libstk.ErrorBufferClosed):
		status, retriable = http.StatusServiceUnavailable, true
	case liberr.IsCode(e, libhot.ErrorConnect):
		status, retriable = http.StatusServiceUnavailable, true
	case liberr.IsCode(e, libhot.ErrorRoundTrip):
		status = http.StatusBadGateway
	case liberr.IsCode(e, libstk.ErrorBuild):
		status = http.StatusBadGateway
	}

	ent := o.logger().Entry(loglvl.DebugLevel, "synthesizing error response")
	ent.FieldAdd("client", meta.Addrs.Client.Addr.String())
	ent.FieldAdd("method", r.Method)
	ent.FieldAdd("status", status)
	ent.ErrorAdd(true, e)
	ent.Log()

	if o.prm != nil {
		o.prm.IncHTTPRequest(strconv.Itoa(status), meta.Addrs.OrigDst.String(), "", "failure", 0, 0)
	}

	if retriable {
		w.Header().Set("Retry-After", "1")
	}

	http.Error(w, e.Error(), status)
}
