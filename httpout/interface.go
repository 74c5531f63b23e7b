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

// Package httpout dials the local application: a versioned HTTP client per
// endpoint, HTTP/1 over a pooled transport or HTTP/2 over one multiplexed
// prior-knowledge connection.
//
// Connect failures retry under exponential backoff; the backoff re-arms on
// every successful connect. Each request is recorded with endpoint and route
// labels and mirrored to the tap registry.
package httpout

import (
	"fmt"
	"net/netip"

	libval "github.com/go-playground/validator/v10"
	libdur "github.com/nabbar/golib/duration"
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"

	libbck "github/sabouaram/meshproxy/backoff"
	libhdr "github/sabouaram/meshproxy/header"
	libidn "github/sabouaram/meshproxy/identity"
	libmet "github/sabouaram/meshproxy/metrics"
	libtap "github/sabouaram/meshproxy/tap"
)

// Endpoint identifies one upstream target; it is also the client cache key.
type Endpoint struct {
	// Addr is the dialed address, normally the original destination.
	Addr netip.AddrPort

	// Identity is the verified client identity of the connection this
	// request arrived on, empty when none.
	Identity libidn.Identity

	// Proto is the session protocol negotiated for this endpoint. ProtoNone
	// picks HTTP/1.
	Proto libhdr.SessionProtocol
}

// Authority is the endpoint's authority metrics label.
func (e Endpoint) Authority() string {
	return e.Addr.String()
}

// PoolConfig tunes the HTTP/1 connection pool.
type PoolConfig struct {
	// MaxIdle bounds the idle pooled connections per endpoint.
	MaxIdle int `json:"max_idle,omitempty" yaml:"max_idle,omitempty" toml:"max_idle,omitempty" mapstructure:"max_idle,omitempty" validate:"gte=0"`

	// IdleTimeout closes pooled connections idle that long.
	IdleTimeout libdur.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty" toml:"idle_timeout,omitempty" mapstructure:"idle_timeout,omitempty"`
}

// H2Config tunes the HTTP/2 transport.
type H2Config struct {
	// ReadIdleTimeout arms the health-check ping on the multiplexed
	// connection. Zero disables it.
	ReadIdleTimeout libdur.Duration `json:"read_idle_timeout,omitempty" yaml:"read_idle_timeout,omitempty" toml:"read_idle_timeout,omitempty" mapstructure:"read_idle_timeout,omitempty"`
}

// Config describes how upstream connections are made.
type Config struct {
	// Timeout bounds each connect attempt.
	Timeout libdur.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty" mapstructure:"timeout,omitempty"`

	// Keepalive is the TCP keepalive idle on upstream sockets; zero
	// disables keepalive.
	Keepalive libdur.Duration `json:"keepalive,omitempty" yaml:"keepalive,omitempty" toml:"keepalive,omitempty" mapstructure:"keepalive,omitempty"`

	// Backoff paces connect retries.
	Backoff libbck.Config `json:"backoff" yaml:"backoff" toml:"backoff" mapstructure:"backoff"`

	// H1 tunes the HTTP/1 pool.
	H1 PoolConfig `json:"h1,omitempty" yaml:"h1,omitempty" toml:"h1,omitempty" mapstructure:"h1,omitempty"`

	// H2 tunes the HTTP/2 transport.
	H2 H2Config `json:"h2,omitempty" yaml:"h2,omitempty" toml:"h2,omitempty" mapstructure:"h2,omitempty"`
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

// MakeClient builds the versioned client of one endpoint.
type MakeClient interface {
	NewClient(ep Endpoint, route string) Client
}

// New returns a MakeClient using the given connect config. Metrics and tap
// may be nil; the logger fallback is a default logger.
func New(cfg Config, prm *libmet.Proxy, reg libtap.Registry, fct liblog.FuncLog) MakeClient {
	if reg == nil {
		reg = libtap.NewNop()
	}

	return &mkc{
		cfg: cfg,
		prm: prm,
		tap: reg,
		log: fct,
	}
}
