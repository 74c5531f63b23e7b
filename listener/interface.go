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

// Package listener binds the inbound TCP socket and turns accepted sockets
// into a lazy stream of connections tagged with their address tuple.
//
// Each accepted socket gets TCP_NODELAY, optionally SO_KEEPALIVE with the
// configured idle, and an original-destination lookup when a resolver is
// wired. A failed lookup drops that connection only; the stream keeps going.
// The stream ends on listener close or on a fatal accept error, retrievable
// with Err once the connection channel is closed.
package listener

import (
	"context"
	"net"

	libatm "github.com/nabbar/golib/atomic"
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"

	libadr "github/sabouaram/meshproxy/address"
	libodr "github/sabouaram/meshproxy/origdst"
)

// Accepted is one connection produced by the stream.
type Accepted struct {
	Addrs libadr.AcceptAddrs
	Conn  *net.TCPConn
}

// Stream is an ordered lazy sequence of accepted connections.
type Stream interface {
	// Addr returns the bound local address, useful when listening on port 0.
	Addr() libadr.Local[libadr.ServerAddr]

	// Conns returns the channel of accepted connections. It is closed when
	// the listener shuts down or a fatal accept error occurs.
	Conns() <-chan Accepted

	// Err returns the fatal accept error that ended the stream, nil on a
	// clean close. Only meaningful once Conns is closed.
	Err() error

	// Close stops accepting and closes the bound socket. Connections already
	// delivered are not touched.
	Close() error
}

// Listener binds a TCP socket and produces a Stream of accepted connections.
type Listener interface {
	// Bind binds the configured address and starts accepting. It must be
	// called on the runtime that will consume the stream.
	Bind(ctx context.Context) (Stream, liberr.Error)
}

// New returns a Listener for the given config. The resolver may be nil, in
// which case connections carry no original destination. The logger fallback
// is a default logger when fct is nil.
func New(cfg Config, rsv libodr.Resolver, fct liblog.FuncLog) (Listener, liberr.Error) {
	if e := cfg.Validate(); e != nil {
		return nil, e
	}

	o := &lsn{
		cfg: cfg,
		rsv: rsv,
		log: libatm.NewValue[liblog.FuncLog](),
	}

	o.log.Store(fct)

	return o, nil
}
