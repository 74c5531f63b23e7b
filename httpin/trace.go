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
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// traceStart extracts the inbound trace context and opens the server span.
// W3C traceparent/tracestate is handled by the otel propagator; the single
// b3 header is decoded by hand when no W3C context is present. The returned
// context propagates downstream so the client pipeline forwards it.
func (o *srv) traceStart(r *http.Request, meta ConnMeta) (context.Context, func()) {
	var (
		ctx = r.Context()
		prp = propagation.TraceContext{}
	)

	ctx = prp.Extract(ctx, propagation.HeaderCarrier(r.Header))

	if !trace.SpanContextFromContext(ctx).IsValid() {
		if sc, k := parseB3(r.Header.Get("b3")); k {
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}

	ctx, spn := otel.Tracer("meshproxy/inbound").Start(ctx, "server.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("direction", "inbound"),
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.String("client.addr", meta.Addrs.Client.Addr.String()),
		),
	)

	return ctx, func() { spn.End() }
}

// parseB3 decodes the single-header b3 form:
// traceid-spanid[-sampled[-parentspanid]].
func parseB3(v string) (trace.SpanContext, bool) {
	if v == "" || v == "0" {
		return trace.SpanContext{}, false
	}

	p := strings.Split(v, "-")
	if len(p) < 2 {
		return trace.SpanContext{}, false
	}

	tid, e1 := trace.TraceIDFromHex(pad32(p[0]))
	sid, e2 := trace.SpanIDFromHex(p[1])

	if e1 != nil || e2 != nil {
		return trace.SpanContext{}, false
	}

	var fl trace.TraceFlags
	if len(p) > 2 && (p[2] == "1" || p[2] == "d") {
		fl = trace.FlagsSampled
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: fl,
		Remote:     true,
	}), true
}

// pad32 left-pads a 64-bit b3 trace id to the 128-bit hex form.
func pad32(s string) string {
	if len(s) == 16 {
		return strings.Repeat("0", 16) + s
	}

	return s
}
