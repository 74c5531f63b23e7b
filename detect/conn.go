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

package detect

import (
	"net"
)

// NewPrefixed wraps conn so that the given prefix is re-yielded before reads
// fall through to the underlying stream. An empty prefix returns conn as is.
func NewPrefixed(prefix []byte, conn net.Conn) net.Conn {
	if len(prefix) == 0 {
		return conn
	}

	p := make([]byte, len(prefix))
	copy(p, prefix)

	return &pfx{
		Conn: conn,
		buf:  p,
	}
}

type pfx struct {
	net.Conn
	buf []byte
}

func (o *pfx) Read(b []byte) (int, error) {
	if len(o.buf) > 0 {
		n := copy(b, o.buf)
		o.buf = o.buf[n:]
		return n, nil
	}

	return o.Conn.Read(b)
}

// CloseWrite forwards the half-close when the underlying stream supports it,
// as the TCP forwarder relies on it.
func (o *pfx) CloseWrite() error {
	if c, k := o.Conn.(interface{ CloseWrite() error }); k {
		return c.CloseWrite()
	}

	return nil
}
