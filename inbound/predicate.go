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

package inbound

import (
	libadr "github/sabouaram/meshproxy/address"
	libidn "github/sabouaram/meshproxy/identity"
)

// PreventLoop routes connections whose original destination is this proxy's
// own listen port onto the direct path, which only accepts the opaque
// transport header. The normal profile/HTTP router is never entered there,
// so a self-connection can not recurse.
type PreventLoop struct {
	port uint16
}

// NewPreventLoop builds the predicate for the bound listen port.
func NewPreventLoop(port uint16) PreventLoop {
	return PreventLoop{port: port}
}

// IsDirect reports whether the connection must take the direct path.
func (p PreventLoop) IsDirect(addrs libadr.ProxyAddrs) bool {
	return addrs.OrigDst.Port() == p.port
}

// RequireIdentity refuses connections on the configured ports when the TLS
// stage produced no verified client identity.
type RequireIdentity struct {
	ports PortSet
}

// NewRequireIdentity builds the predicate for the configured port set.
func NewRequireIdentity(ports ...uint16) RequireIdentity {
	return RequireIdentity{ports: Ports(ports...)}
}

// Check returns a refusal error when the target port demands an identity the
// connection does not carry; nil otherwise.
func (p RequireIdentity) Check(addrs libadr.ProxyAddrs, tls libidn.Status) error {
	if !p.ports.Contains(addrs.OrigDst.Port()) {
		return nil
	}

	if tls.HasIdentity() {
		return nil
	}

	return ErrorIdentityRequired.Error(nil)
}
