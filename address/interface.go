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

// Package address provides nominal socket address types for the proxy data path.
//
// A transparent proxy juggles at least three addresses per accepted connection:
// the local bind address, the remote peer address, and the destination the peer
// originally targeted before redirection. Mixing them up is a recurring class of
// bugs, so each role gets its own type and a Local/Remote polarity wrapper.
//
// The listener produces one immutable AcceptAddrs value per accepted connection;
// downstream stages project single addresses through the capability interfaces
// (HasClient, HasLocal, HasOrigDst) instead of passing raw net.Addr values.
package address

import (
	"net/netip"
)

// HasClient exposes the remote peer address of a target.
type HasClient interface {
	ClientAddr() Remote[ClientAddr]
}

// HasLocal exposes the local server address of a target.
type HasLocal interface {
	LocalAddr() Local[ServerAddr]
}

// HasOrigDst exposes the pre-redirect destination of a target, when known.
type HasOrigDst interface {
	OrigDstAddr() (OrigDstAddr, bool)
}

// NewAccept builds the immutable address tuple for one accepted connection
// for which no original destination is known; use NewAcceptOrigDst when a
// resolver recovered one.
func NewAccept(local ServerAddr, client ClientAddr) AcceptAddrs {
	return AcceptAddrs{
		Local:  Local[ServerAddr]{local},
		Client: Remote[ClientAddr]{client},
	}
}

// NewAcceptOrigDst builds the address tuple for one accepted connection whose
// original destination was recovered by a resolver.
func NewAcceptOrigDst(local ServerAddr, client ClientAddr, orig OrigDstAddr) AcceptAddrs {
	return AcceptAddrs{
		Local:   Local[ServerAddr]{local},
		Client:  Remote[ClientAddr]{client},
		OrigDst: orig,
		HasOrig: true,
	}
}

// ParseServer parses a host:port string into a ServerAddr.
func ParseServer(s string) (ServerAddr, error) {
	a, e := netip.ParseAddrPort(s)
	if e != nil {
		return ServerAddr{}, e
	}
	return ServerAddr{a}, nil
}

// ParseListen parses a host:port string into a ListenAddr.
func ParseListen(s string) (ListenAddr, error) {
	a, e := netip.ParseAddrPort(s)
	if e != nil {
		return ListenAddr{}, e
	}
	return ListenAddr{a}, nil
}
