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

// ClientHello is the minimal TLS record evidence recognized on a stream. The
// handshake itself runs later, on the replayed stream.
type ClientHello struct{}

// tlsHandshake is the TLS record content type of a handshake record.
const tlsHandshake = 0x16

// NewTLS returns a matcher recognizing the first record of a TLS ClientHello.
func NewTLS() Matcher[ClientHello] {
	return &mls{}
}

type mls struct{}

func (o *mls) Match(prefix []byte, eof bool) (Verdict, ClientHello, int) {
	if len(prefix) < 3 {
		if eof {
			return VerdictNoMatch, ClientHello{}, 0
		}
		return VerdictNeedMore, ClientHello{}, 0
	}

	// record header: type, then legacy version major 0x03 / minor 0x00-0x04.
	if prefix[0] == tlsHandshake && prefix[1] == 0x03 && prefix[2] <= 0x04 {
		return VerdictMatch, ClientHello{}, 0
	}

	return VerdictNoMatch, ClientHello{}, 0
}
