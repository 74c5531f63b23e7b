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
	libhdr "github/sabouaram/meshproxy/header"
)

// NewOpaque returns a matcher recognizing and consuming the opaque transport
// header. On match the frame bytes are claimed, so the inner handler observes
// only the tunneled payload.
func NewOpaque() Matcher[libhdr.Header] {
	return &mqh{}
}

type mqh struct{}

func (o *mqh) Match(prefix []byte, eof bool) (Verdict, libhdr.Header, int) {
	if !libhdr.IsPrefix(prefix) {
		return VerdictNoMatch, libhdr.Header{}, 0
	}

	if len(prefix) < libhdr.PrefixLen {
		if eof {
			return VerdictNoMatch, libhdr.Header{}, 0
		}
		return VerdictNeedMore, libhdr.Header{}, 0
	}

	ln, err := libhdr.ParsePrefix(prefix[:libhdr.PrefixLen])
	if err != nil {
		return VerdictNoMatch, libhdr.Header{}, 0
	}

	frame := libhdr.PrefixLen + int(ln)
	if len(prefix) < frame {
		if eof {
			return VerdictNoMatch, libhdr.Header{}, 0
		}
		return VerdictNeedMore, libhdr.Header{}, 0
	}

	h, err := libhdr.ParseBody(prefix[libhdr.PrefixLen:frame])
	if err != nil {
		return VerdictNoMatch, libhdr.Header{}, 0
	}

	return VerdictMatch, h, frame
}
