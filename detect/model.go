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
	"errors"
	"io"
	"net"
	"os"
	"time"
)

type dtc[T any] struct {
	mtc Matcher[T]
	max int
	tmo time.Duration
	ref FuncRefused
}

func (o *dtc[T]) refuse() {
	if o.ref != nil {
		o.ref()
	}
}

func (o *dtc[T]) Detect(conn net.Conn) (T, net.Conn, bool, error) {
	var (
		zro T
		buf = make([]byte, 0, o.max)
		end = time.Now().Add(o.tmo)
		eof = false
	)

	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()

	for {
		v, val, csm := o.mtc.Match(buf, eof)

		switch v {
		case VerdictMatch:
			if csm > len(buf) {
				csm = len(buf)
			}
			return val, NewPrefixed(buf[csm:], conn), true, nil

		case VerdictNoMatch:
			return zro, NewPrefixed(buf, conn), false, nil
		}

		if eof || len(buf) >= o.max {
			o.refuse()
			return zro, NewPrefixed(buf, conn), false, ErrorNoMatch.Error(nil)
		}

		if e := conn.SetReadDeadline(end); e != nil {
			return zro, NewPrefixed(buf, conn), false, ErrorPeek.Error(e)
		}

		tmp := make([]byte, o.max-len(buf))
		n, e := conn.Read(tmp)
		buf = append(buf, tmp[:n]...)

		switch {
		case e == nil:
		case errors.Is(e, io.EOF):
			eof = true
		case errors.Is(e, os.ErrDeadlineExceeded):
			o.refuse()
			return zro, NewPrefixed(buf, conn), false, ErrorTimeout.Error(nil)
		default:
			return zro, NewPrefixed(buf, conn), false, ErrorPeek.Error(e)
		}
	}
}
