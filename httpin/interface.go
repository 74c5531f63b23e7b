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

// Package httpin is the inbound HTTP server pipeline: it serves detected
// HTTP/1 and HTTP/2 streams and drives each request through normalization,
// protocol downgrade, admission control, tracing, tap, target derivation and
// the per-target service stack down to the upstream client.
//
// Per-connection errors never escape: every failure with an HTTP context is
// synthesized into a response.
package httpin

import (
	"context"
	"fmt"
	"net"
	"net/http"

	libval "github.com/go-playground/validator/v10"
	libdur "github.com/nabbar/golib/duration"
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	libsem "github.com/nabbar/golib/semaphore"

	libadr "github/sabouaram/meshproxy/address"
	libdtc "github/sabouaram/meshproxy/detect"
	libdrn "github/sabouaram/meshproxy/drain"
	libhot "github/sabouaram/meshproxy/httpout"
	libidn "github/sabouaram/meshproxy/identity"
	libmet "github/sabouaram/meshproxy/metrics"
	libprf "github/sabouaram/meshproxy/profile"
	libstk "github/sabouaram/meshproxy/stack"
	libtap "github/sabouaram/meshproxy/tap"
)

const (
	// HeaderDstOverride carries a logical target overriding the original
	// destination. It is consumed here and never forwarded upstream.
	HeaderDstOverride = "l5d-dst-override"

	// HeaderOrigProto marks a request that was upgraded HTTP/1 to HTTP/2 by
	// a downstream proxy. It is consumed here to restore HTTP/1 semantics.
	HeaderOrigProto = "l5d-orig-proto"
)

// ConnMeta is the established context of one detected HTTP connection.
type ConnMeta struct {
	// Addrs is the settled address tuple of the connection.
	Addrs libadr.ProxyAddrs

	// TLS is the termination status produced by the TLS stage.
	TLS libidn.Status

	// Version is the detected HTTP version of the stream.
	Version libdtc.Version
}

// Server serves detected HTTP streams.
type Server interface {
	// ServeConn drives the HTTP session on conn until the peer closes, the
	// context ends or drain completes the in-flight requests. The conn must
	// be positioned at the first request byte (detection replays it).
	ServeConn(ctx context.Context, conn net.Conn, meta ConnMeta) error

	// Close releases the per-target cache.
	Close() error
}

// Config tunes the inbound request pipeline.
type Config struct {
	// MaxInFlight bounds the requests admitted concurrently; excess waits.
	MaxInFlight int `json:"max_in_flight_requests,omitempty" yaml:"max_in_flight_requests,omitempty" toml:"max_in_flight_requests,omitempty" mapstructure:"max_in_flight_requests,omitempty" validate:"gte=0"`

	// DispatchTimeout converts an unready target stack into a prompt 503.
	DispatchTimeout libdur.Duration `json:"dispatch_timeout,omitempty" yaml:"dispatch_timeout,omitempty" toml:"dispatch_timeout,omitempty" mapstructure:"dispatch_timeout,omitempty"`

	// BufferCapacity sizes the per-target dispatch buffer.
	BufferCapacity int `json:"buffer_capacity,omitempty" yaml:"buffer_capacity,omitempty" toml:"buffer_capacity,omitempty" mapstructure:"buffer_capacity,omitempty" validate:"gte=0"`

	// CacheMaxIdleAge evicts per-target stacks idle that long.
	CacheMaxIdleAge libdur.Duration `json:"cache_max_idle_age,omitempty" yaml:"cache_max_idle_age,omitempty" toml:"cache_max_idle_age,omitempty" mapstructure:"cache_max_idle_age,omitempty"`

	// AllowDiscovery restricts which override names may be resolved through
	// discovery.
	AllowDiscovery libprf.NameMatch `json:"allow_discovery,omitempty" yaml:"allow_discovery,omitempty" toml:"allow_discovery,omitempty" mapstructure:"allow_discovery,omitempty"`

	// ProfileIdleTimeout degrades slow discovery to the plain target stack.
	ProfileIdleTimeout libdur.Duration `json:"profile_idle_timeout,omitempty" yaml:"profile_idle_timeout,omitempty" toml:"profile_idle_timeout,omitempty" mapstructure:"profile_idle_timeout,omitempty"`

	// H2 tunes the HTTP/2 server side of detected streams.
	H2 H2ServerConfig `json:"h2,omitempty" yaml:"h2,omitempty" toml:"h2,omitempty" mapstructure:"h2,omitempty"`
}

// H2ServerConfig tunes the HTTP/2 server machinery.
type H2ServerConfig struct {
	// MaxConcurrentStreams bounds the streams per HTTP/2 connection; zero
	// keeps the library default.
	MaxConcurrentStreams uint32 `json:"max_concurrent_streams,omitempty" yaml:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty" mapstructure:"max_concurrent_streams,omitempty"`

	// IdleTimeout closes idle HTTP/2 connections; zero never.
	IdleTimeout libdur.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty" toml:"idle_timeout,omitempty" mapstructure:"idle_timeout,omitempty"`
}

func (c Config) Validate() liberr.Error {
	var e = ErrorValidatorError.Error(nil)

	if err := libval.New().Struct(c); err != nil {
		if er, ok := err.(*libval.InvalidValidationError); ok {
			e.Add(er)
		}

		for _, er := range err.(libval.ValidationErrors) {
			//nolint #goerr113
			e.Add(fmt.Errorf("config field '%s' is not validated by constraint '%s'", er.Namespace(), er.ActualTag()))
		}
	}

	if !e.HasParent() {
		e = nil
	}

	return e
}

// New composes the server pipeline. Profiles, metrics and tap may be nil;
// clients is required. The context bounds the per-target cache sweeper and
// the dispatch buffers.
func New(ctx context.Context, cfg Config, cli libhot.MakeClient, prf libprf.Getter, wtc libdrn.Watch, prm *libmet.Proxy, reg libtap.Registry, fct liblog.FuncLog) (Server, liberr.Error) {
	if cli == nil {
		return nil, ErrorParamEmpty.Error(nil)
	}

	if e := cfg.Validate(); e != nil {
		return nil, e
	}

	if reg == nil {
		reg = libtap.NewNop()
	}

	if prf != nil {
		prf = libprf.WithTimeout(prf, cfg.ProfileIdleTimeout.Time())
	}

	o := &srv{
		cfg: cfg,
		cli: cli,
		prf: prf,
		drn: wtc,
		prm: prm,
		tap: reg,
		log: fct,
	}

	if cfg.MaxInFlight > 0 {
		o.sem = libsem.New(ctx, int64(cfg.MaxInFlight), false)
	}

	o.cch = libstk.NewCache[Target, *http.Request, *http.Response](ctx, o.buildTarget(ctx), cfg.CacheMaxIdleAge.Time())

	return o, nil
}
