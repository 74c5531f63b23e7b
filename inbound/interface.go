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

// Package inbound wires the whole admission and dispatch core: listener,
// original-destination resolution, loop prevention, staged protocol
// detection, identity gating, and the fan-out to the TCP forwarder or the
// HTTP pipelines, with the drain coordinator observing all of it.
//
// Terminating traffic from other mesh endpoints towards the local
// application is the only concern here; the outbound side is a separate
// proxy.
package inbound

import (
	"context"

	libtls "github.com/nabbar/golib/certificates"
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	"github.com/prometheus/client_golang/prometheus"

	libadr "github/sabouaram/meshproxy/address"
	libdrn "github/sabouaram/meshproxy/drain"
	libidn "github/sabouaram/meshproxy/identity"
	libmet "github/sabouaram/meshproxy/metrics"
	libodr "github/sabouaram/meshproxy/origdst"
	libprf "github/sabouaram/meshproxy/profile"
	libtap "github/sabouaram/meshproxy/tap"
)

// Process exit codes surfaced to the supervisor.
const (
	// ExitOK is the graceful drain exit.
	ExitOK = 0

	// ExitBindFailure is returned when the inbound socket cannot be bound.
	ExitBindFailure = 2

	// ExitIdentityLoad is returned when the identity material cannot be
	// loaded.
	ExitIdentityLoad = 3
)

// Options carries the external collaborators of the core. Every field is
// optional: a nil resolver leaves connections without original destination,
// a nil TLS config disables termination, a nil Registry registers the metrics
// on the default prometheus registry, and nil tap/profile collapse to no-ops.
type Options struct {
	// Resolver recovers original destinations; tests wire the mock.
	Resolver libodr.Resolver

	// TLS is the local identity material used to terminate mesh TLS.
	TLS libtls.TLSConfig

	// Profiles resolves discovery profiles.
	Profiles libprf.Getter

	// Registry receives the data-path metrics.
	Registry prometheus.Registerer

	// Tap mirrors request metadata.
	Tap libtap.Registry

	// Logger provides the pipeline logger.
	Logger liblog.FuncLog
}

// Inbound is the running admission core.
type Inbound interface {
	// Bind binds the listen socket and finishes composing the stacks. A
	// failure here maps to ExitBindFailure.
	Bind(ctx context.Context) liberr.Error

	// Addr is the bound listen address, available after Bind.
	Addr() libadr.Local[libadr.ServerAddr]

	// Serve drives the accept loop until the stream ends or shutdown is
	// signaled. It returns the listener's fatal error, nil otherwise.
	Serve(ctx context.Context) error

	// Shutdown signals the drain, waits for retained responses within the
	// context, and closes the listener. Maps to ExitOK when nil.
	Shutdown(ctx context.Context) error

	// Watch exposes the drain token to auxiliary servers.
	Watch() libdrn.Watch
}

// New composes an inbound core from its configuration and collaborators.
// An invalid TLS config is reported immediately so the supervisor can exit
// with ExitIdentityLoad.
func New(cfg Config, opt Options) (Inbound, liberr.Error) {
	if e := cfg.Validate(); e != nil {
		return nil, e
	}

	var (
		trm libidn.Terminator
		err liberr.Error
	)

	if opt.TLS != nil {
		if trm, err = libidn.New(opt.TLS); err != nil {
			return nil, ErrorIdentityLoad.Error(err)
		}
	}

	sig, wtc := libdrn.New()

	o := &inb{
		cfg: cfg,
		opt: opt,
		trm: trm,
		sig: sig,
		wtc: wtc,
		prm: libmet.New(opt.Registry),
		tap: opt.Tap,
		skp: Ports(cfg.DisableProtocolDetectionForPorts...),
		rqi: NewRequireIdentity(cfg.RequireIdentityForInboundPorts...),
	}

	if o.tap == nil {
		o.tap = libtap.NewNop()
	}

	return o, nil
}
