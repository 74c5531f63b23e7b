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

// Package identity terminates mesh TLS on detected ClientHello streams and
// exposes the verified peer identity and negotiated ALPN to the pipeline.
//
// The certificate material comes from the external identity provider through
// the certificates configuration model; this package only consumes it. The
// terminator is built once at startup and shared read-only afterwards.
package identity

import (
	"context"
	"crypto/tls"
	"net"

	libtls "github.com/nabbar/golib/certificates"
	tlsaut "github.com/nabbar/golib/certificates/auth"
	liberr "github.com/nabbar/golib/errors"
)

// Identity is a verified mesh peer name, e.g. a SPIFFE-style service name.
// The empty string means no identity.
type Identity string

// Status is the TLS outcome carried by a connection through the pipeline.
type Status struct {
	// Terminated is true when this proxy terminated TLS on the stream.
	Terminated bool

	// Peer is the verified client identity; empty when the client presented
	// no certificate, or on passthrough.
	Peer Identity

	// ALPN is the negotiated application protocol, empty when none.
	ALPN string
}

// Passthrough is the status of a stream this proxy did not terminate.
func Passthrough() Status {
	return Status{}
}

// HasIdentity reports whether the stream was terminated with a verified
// client identity.
func (s Status) HasIdentity() bool {
	return s.Terminated && s.Peer != ""
}

// Terminator runs the server side of the mesh TLS handshake.
type Terminator interface {
	// Terminate completes the handshake on conn, which must be positioned at
	// the ClientHello first byte (detection replays it). It returns the
	// decrypted stream and the resulting status.
	Terminate(ctx context.Context, conn net.Conn) (net.Conn, Status, liberr.Error)
}

// New builds a Terminator from the certificates configuration. ALPN offers
// h2 and http/1.1 so mesh peers can negotiate the session protocol. Client
// certificates are verified when given; their absence is legal here and
// gated later by the identity-required predicate.
func New(cfg libtls.TLSConfig) (Terminator, liberr.Error) {
	if cfg == nil || cfg.LenCertificatePair() < 1 {
		return nil, ErrorNoCertificate.Error(nil)
	}

	cfg.SetClientAuth(tlsaut.VerifyClientCertIfGiven)

	t := cfg.TlsConfig("")
	if t == nil {
		return nil, ErrorNoCertificate.Error(nil)
	}

	t.NextProtos = []string{"h2", "http/1.1"}

	return &trm{tls: t}, nil
}

type trm struct {
	tls *tls.Config
}

func (o *trm) Terminate(ctx context.Context, conn net.Conn) (net.Conn, Status, liberr.Error) {
	srv := tls.Server(conn, o.tls.Clone())

	if err := srv.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, Status{}, ErrorHandshake.Error(err)
	}

	st := srv.ConnectionState()

	return srv, Status{
		Terminated: true,
		Peer:       peerIdentity(st),
		ALPN:       st.NegotiatedProtocol,
	}, nil
}

// peerIdentity extracts the mesh name of the verified client certificate:
// first URI SAN, else first DNS SAN, else subject common name.
func peerIdentity(st tls.ConnectionState) Identity {
	if len(st.PeerCertificates) == 0 {
		return ""
	}

	c := st.PeerCertificates[0]

	if len(c.URIs) > 0 {
		return Identity(c.URIs[0].String())
	}

	if len(c.DNSNames) > 0 {
		return Identity(c.DNSNames[0])
	}

	return Identity(c.Subject.CommonName)
}
