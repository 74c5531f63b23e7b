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
	"net/http"
	"strconv"
	"time"

	libdtc "github/sabouaram/meshproxy/detect"
	libhdr "github/sabouaram/meshproxy/header"
	libhot "github/sabouaram/meshproxy/httpout"
	libprf "github/sabouaram/meshproxy/profile"
	libstk "github/sabouaram/meshproxy/stack"
)

// buildTarget is the single-flight builder of the per-target stack: profile
// resolution, route-aware metrics and the versioned upstream client, wrapped
// in the dispatch buffer and fail-fast admission. Construction is expensive
// and shared; eviction after the idle TTL closes the stack and its upstream
// client. The profile is read once at build time and no discovery
// subscription is held.
func (o *srv) buildTarget(ctx context.Context) libstk.Builder[Target, *http.Request, *http.Response] {
	return func(bctx context.Context, tgt Target) (libstk.Service[*http.Request, *http.Response], error) {
		inner := &tgtSvc{
			srv: o,
			tgt: tgt,
		}

		if o.prf != nil && tgt.Name != "" {
			p, k, e := o.prf.Get(bctx, tgt.Name)
			if e == nil && k {
				inner.prf, inner.hasPrf = p, true
			}
		}

		proto := libhdr.ProtoHTTP1
		if tgt.Version == libdtc.VersionH2 {
			proto = libhdr.ProtoHTTP2
		}

		inner.cli = o.cli.NewClient(libhot.Endpoint{
			Addr:     tgt.Addr,
			Identity: tgt.Identity,
			Proto:    proto,
		}, "default")

		return libstk.NewFailFast[*http.Request, *http.Response](
			libstk.NewBuffer[*http.Request, *http.Response](ctx, inner, o.cfg.BufferCapacity),
			o.cfg.DispatchTimeout.Time(),
		), nil
	}
}

// tgtSvc is the cached per-target service: it matches the request against
// the profile routes, calls the upstream client and records the per-route
// request metrics.
type tgtSvc struct {
	srv    *srv
	tgt    Target
	prf    libprf.Profile
	hasPrf bool
	cli    libhot.Client
}

func (o *tgtSvc) Ready(ctx context.Context) error {
	return o.cli.Ready(ctx)
}

func (o *tgtSvc) Call(ctx context.Context, req *http.Request) (*http.Response, error) {
	var (
		beg = time.Now()
		rte = "default"
		cls = libprf.Classifier(libprf.DefaultClassify)
	)

	if o.hasPrf {
		if rt, k := o.prf.RouteFor(req); k {
			if l, ok := rt.Labels["route"]; ok && l != "" {
				rte = l
			}
			if rt.Classify != nil {
				cls = rt.Classify
			}
		}
	}

	res, err := o.cli.Call(ctx, req)
	if err != nil {
		return nil, err
	}

	if o.srv.prm != nil {
		var sz int64
		if res.ContentLength > 0 {
			sz = res.ContentLength
		}

		o.srv.prm.IncHTTPRequest(strconv.Itoa(res.StatusCode), o.tgt.Authority(), rte, cls(res.StatusCode), time.Since(beg), sz)
	}

	return res, nil
}

// Close releases the upstream client when the cache entry is evicted.
func (o *tgtSvc) Close() error {
	return o.cli.Close()
}
