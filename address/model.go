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

package address

import (
	"net"
	"net/netip"
)

// ClientAddr is the address of a remote client.
type ClientAddr struct {
	netip.AddrPort
}

// ListenAddr is the address a listener binds on.
type ListenAddr struct {
	netip.AddrPort
}

// ServerAddr is the address of a local server socket.
type ServerAddr struct {
	netip.AddrPort
}

// OrigDstAddr is a destination recovered from SO_ORIGINAL_DST.
type OrigDstAddr struct {
	netip.AddrPort
}

// Local wraps an address type to indicate it describes this process.
type Local[T comparable] struct {
	Addr T
}

// Remote wraps an address type to indicate it describes another process.
type Remote[T comparable] struct {
	Addr T
}

// AcceptAddrs is the address tuple of one accepted connection. It is built
// once by the listener and never mutated afterwards.
type AcceptAddrs struct {
	Local   Local[ServerAddr]
	Client  Remote[ClientAddr]
	OrigDst OrigDstAddr
	HasOrig bool
}

// ProxyAddrs is the address tuple once an original destination is settled:
// either the recovered one, or the local server address standing in for it.
type ProxyAddrs struct {
	OrigDst OrigDstAddr
	Client  Remote[ClientAddr]
	Server  Local[ServerAddr]
}

func (a ClientAddr) String() string  { return a.AddrPort.String() }
func (a ListenAddr) String() string  { return a.AddrPort.String() }
func (a ServerAddr) String() string  { return a.AddrPort.String() }
func (a OrigDstAddr) String() string { return a.AddrPort.String() }

// TCPAddr converts the original destination into a dialable *net.TCPAddr.
func (a OrigDstAddr) TCPAddr() *net.TCPAddr {
	return net.TCPAddrFromAddrPort(a.AddrPort)
}

// ClientAddr implements HasClient.
func (a AcceptAddrs) ClientAddr() Remote[ClientAddr] {
	return a.Client
}

// LocalAddr implements HasLocal.
func (a AcceptAddrs) LocalAddr() Local[ServerAddr] {
	return a.Local
}

// OrigDstAddr implements HasOrigDst.
func (a AcceptAddrs) OrigDstAddr() (OrigDstAddr, bool) {
	return a.OrigDst, a.HasOrig
}

// TargetAddr is the destination this connection should be routed to: the
// original destination when a resolver recovered one, the local server
// address otherwise.
func (a AcceptAddrs) TargetAddr() netip.AddrPort {
	if a.HasOrig {
		return a.OrigDst.AddrPort
	}
	return a.Local.Addr.AddrPort
}

// Proxy settles the address tuple into a ProxyAddrs, substituting the local
// server address when no original destination was recovered.
func (a AcceptAddrs) Proxy() ProxyAddrs {
	d := a.OrigDst
	if !a.HasOrig {
		d = OrigDstAddr{a.Local.Addr.AddrPort}
	}

	return ProxyAddrs{
		OrigDst: d,
		Client:  a.Client,
		Server:  a.Local,
	}
}

// ClientAddr implements HasClient.
func (a ProxyAddrs) ClientAddr() Remote[ClientAddr] {
	return a.Client
}

// LocalAddr implements HasLocal.
func (a ProxyAddrs) LocalAddr() Local[ServerAddr] {
	return a.Server
}

// OrigDstAddr implements HasOrigDst.
func (a ProxyAddrs) OrigDstAddr() (OrigDstAddr, bool) {
	return a.OrigDst, true
}

// FromTCPAddr converts a *net.TCPAddr as returned by net.Conn accessors into
// a netip.AddrPort, unmapping any IPv4-in-IPv6 form.
func FromTCPAddr(a *net.TCPAddr) netip.AddrPort {
	if a == nil {
		return netip.AddrPort{}
	}

	p := a.AddrPort()
	return netip.AddrPortFrom(p.Addr().Unmap(), p.Port())
}
