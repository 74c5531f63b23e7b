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

// Package profile declares the contract this proxy consumes from the external
// discovery service: per-service route metadata keyed by logical name.
//
// Only the interfaces and value types live here, together with a static
// getter for tests and discovery-less deployments; the RPC client itself is
// an external collaborator.
package profile

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Name is the logical service name of a profile, e.g.
// "web.ns.svc.cluster.local".
type Name string

// Classifier maps a response status to a metrics class label value.
type Classifier func(status int) string

// RouteMatch selects requests belonging to a route.
type RouteMatch struct {
	// Method restricts the route to one HTTP method when non-empty.
	Method string

	// PathPrefix restricts the route to paths under this prefix. Empty
	// matches every path.
	PathPrefix string
}

// Matches reports whether the request belongs to this route.
func (m RouteMatch) Matches(r *http.Request) bool {
	if m.Method != "" && m.Method != r.Method {
		return false
	}

	return m.PathPrefix == "" || strings.HasPrefix(r.URL.Path, m.PathPrefix)
}

// Route is one discovery-provided route of a profile.
type Route struct {
	Match    RouteMatch
	Classify Classifier
	Labels   map[string]string
}

// Profile is the discovery-provided metadata of one logical service.
type Profile struct {
	Name   Name
	Routes []Route
}

// DefaultClassify buckets statuses into "success" and "failure" the way the
// per-route metrics expect when a profile carries no classifier.
func DefaultClassify(status int) string {
	if status < 500 {
		return "success"
	}

	return "failure"
}

// RouteFor returns the first matching route and true, or false when the
// profile routes do not cover the request.
func (p Profile) RouteFor(r *http.Request) (Route, bool) {
	for _, rt := range p.Routes {
		if rt.Match.Matches(r) {
			return rt, true
		}
	}

	return Route{}, false
}

// Getter resolves the profile of a logical name. Implementations must be safe
// for concurrent use; lookups are deduplicated by the per-target stack cache.
type Getter interface {
	// Get resolves the profile within the context deadline. The boolean is
	// false when discovery has no profile for the name.
	Get(ctx context.Context, name Name) (Profile, bool, error)
}

// NameMatch is a suffix matcher deciding which names may be resolved through
// discovery, mirroring the allow-list semantics of the control plane.
type NameMatch []string

// Matches reports whether the name ends in one of the allowed suffixes. An
// empty matcher allows nothing; the single element "." allows everything.
func (m NameMatch) Matches(n Name) bool {
	for _, s := range m {
		if s == "." || strings.HasSuffix(string(n), strings.TrimPrefix(s, "*")) {
			return true
		}
	}

	return false
}

// Static returns a Getter serving fixed profiles, for tests and for
// deployments without a control plane.
func Static(profiles map[Name]Profile) Getter {
	return &sta{prf: profiles}
}

type sta struct {
	prf map[Name]Profile
}

func (o *sta) Get(_ context.Context, name Name) (Profile, bool, error) {
	p, k := o.prf[name]
	return p, k, nil
}

// WithTimeout wraps a Getter so that slow discovery degrades to "no profile"
// after the given readiness timeout instead of blocking the first request.
func WithTimeout(g Getter, d time.Duration) Getter {
	if d <= 0 {
		return g
	}

	return &gtm{get: g, tmo: d}
}

type gtm struct {
	get Getter
	tmo time.Duration
}

func (o *gtm) Get(ctx context.Context, name Name) (Profile, bool, error) {
	x, c := context.WithTimeout(ctx, o.tmo)
	defer c()

	p, k, e := o.get.Get(x, name)
	if e != nil && x.Err() != nil && ctx.Err() == nil {
		// Discovery too slow: fall back to the plain target stack.
		return Profile{}, false, nil
	}

	return p, k, e
}
