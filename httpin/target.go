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
	"net/http"
	"net/netip"

	libdtc "github/sabouaram/meshproxy/detect"
	libidn "github/sabouaram/meshproxy/identity"
	libprf "github/sabouaram/meshproxy/profile"
)

// Target is the logical destination of a request: the per-target stack cache
// key. Structural equality groups requests sharing one composed pipeline.
type Target struct {
	// Addr is the connection's settled original destination.
	Addr netip.AddrPort

	// Name is the logical service name taken from the override header when
	// present and allowed, empty otherwise.
	Name libprf.Name

	// Version is the HTTP version of the carrying stream.
	Version libdtc.Version

	// Identity is the verified downstream identity, empty when none.
	Identity libidn.Identity
}

// Authority is the metrics authority label of this target.
func (t Target) Authority() string {
	if t.Name != "" {
		return string(t.Name)
	}

	return t.Addr.String()
}

// deriveTarget computes the request's logical target, honoring and stripping
// the override header so it does not leak upstream. Override names outside
// the discovery allow-list are ignored.
func (o *srv) deriveTarget(r *http.Request, meta ConnMeta) Target {
	t := Target{
		Addr:     meta.Addrs.OrigDst.AddrPort,
		Version:  meta.Version,
		Identity: meta.TLS.Peer,
	}

	if ovr := r.Header.Get(HeaderDstOverride); ovr != "" {
		r.Header.Del(HeaderDstOverride)

		if n := libprf.Name(ovr); o.cfg.AllowDiscovery.Matches(n) {
			t.Name = n
		}
	}

	return t
}
