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
	"bytes"
)

// Version is the HTTP version recognized on a plain stream.
type Version uint8

const (
	// VersionH1 is an HTTP/1.x stream.
	VersionH1 Version = iota + 1

	// VersionH2 is an HTTP/2 prior-knowledge stream.
	VersionH2
)

func (v Version) String() string {
	switch v {
	case VersionH1:
		return "http/1"
	case VersionH2:
		return "h2"
	}

	return "unknown"
}

// h2Preface is the HTTP/2 connection preface sent by prior-knowledge clients.
const h2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// httpMethods are the request-line tokens accepted by the HTTP/1 heuristic.
var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("HEAD "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("CONNECT "),
	[]byte("OPTIONS "),
	[]byte("TRACE "),
	[]byte("PATCH "),
}

// NewHTTP returns a matcher distinguishing HTTP/2 prior-knowledge streams
// from HTTP/1 request streams. Anything else is NoMatch.
func NewHTTP() Matcher[Version] {
	return &mhp{}
}

type mhp struct{}

func (o *mhp) Match(prefix []byte, eof bool) (Verdict, Version, int) {
	if len(prefix) >= len(h2Preface) {
		if string(prefix[:len(h2Preface)]) == h2Preface {
			return VerdictMatch, VersionH2, 0
		}
	} else if bytes.HasPrefix([]byte(h2Preface), prefix) {
		if eof {
			return VerdictNoMatch, 0, 0
		}
		return VerdictNeedMore, 0, 0
	}

	return o.matchH1(prefix, eof)
}

func (o *mhp) matchH1(prefix []byte, eof bool) (Verdict, Version, int) {
	for _, m := range httpMethods {
		if bytes.HasPrefix(prefix, m) {
			return VerdictMatch, VersionH1, 0
		}

		if len(prefix) < len(m) && bytes.HasPrefix(m, prefix) {
			if !eof {
				return VerdictNeedMore, 0, 0
			}
		}
	}

	return VerdictNoMatch, 0, 0
}
