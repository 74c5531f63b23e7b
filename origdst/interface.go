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

// Package origdst recovers the pre-redirect destination of an accepted socket.
//
// When iptables REDIRECT (or an equivalent transparent redirection) reroutes a
// packet to this proxy, the kernel records the destination the client really
// targeted. On Linux this is read back with getsockopt(SOL_IP, SO_ORIGINAL_DST).
// On any other platform the lookup is unsupported.
//
// Resolution failures are fatal for the individual connection only: the caller
// logs them at warn level and drops the connection, never retries.
package origdst

import (
	"net"

	libadr "github/sabouaram/meshproxy/address"
)

// Resolver recovers the original destination of an accepted TCP socket.
type Resolver interface {
	// OrigDst returns the address the peer originally targeted before the
	// transparent redirect. An error means the connection must be dropped.
	OrigDst(conn *net.TCPConn) (libadr.OrigDstAddr, error)
}

// New returns the platform resolver: the SO_ORIGINAL_DST lookup on Linux, a
// resolver always failing with ErrorUnsupported elsewhere.
func New() Resolver {
	return &sys{}
}

// Mock returns a resolver yielding a fixed address whatever the socket.
// Selection between Mock and New is wired at build time by tests, never
// switched at runtime.
func Mock(addr libadr.OrigDstAddr) Resolver {
	return &mock{adr: addr}
}

type mock struct {
	adr libadr.OrigDstAddr
}

func (o *mock) OrigDst(_ *net.TCPConn) (libadr.OrigDstAddr, error) {
	return o.adr, nil
}
