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

// Package header implements the opaque transport header: a short frame sent
// between two mesh proxies ahead of the application bytes, preserving the
// inner endpoint port, the negotiated session protocol and, when known, the
// client identity across a TLS tunnel.
//
// Wire layout, stable across peers:
//
//	magic   8 bytes  "MESHPXY\x00"
//	length  4 bytes  big-endian size of the body
//	body    CBOR     {v, port, proto, name?}
//
// Frames whose announced body size exceeds MaxFrame are rejected without
// reading the body.
package header

import (
	"io"

	libcbr "github.com/fxamacker/cbor/v2"
	liberr "github.com/nabbar/golib/errors"
)

const (
	// Magic opens every opaque transport frame.
	Magic = "MESHPXY\x00"

	// MagicLen is the size of the magic prefix.
	MagicLen = 8

	// PrefixLen is the size of magic + length, the fixed part of the frame.
	PrefixLen = MagicLen + 4

	// MaxFrame bounds the CBOR body size.
	MaxFrame = 65536
)

// SessionProtocol is the application protocol announced for the inner stream.
type SessionProtocol uint8

const (
	// ProtoNone announces an opaque inner stream.
	ProtoNone SessionProtocol = iota

	// ProtoHTTP1 announces an HTTP/1 inner stream.
	ProtoHTTP1

	// ProtoHTTP2 announces an HTTP/2 inner stream.
	ProtoHTTP2
)

// Header is the decoded opaque transport header.
type Header struct {
	// Version of the frame body. Currently always 1.
	Version uint8 `cbor:"v"`

	// Port is the inbound port of the inner endpoint on the target host.
	Port uint16 `cbor:"port"`

	// Proto is the session protocol of the inner stream.
	Proto SessionProtocol `cbor:"proto"`

	// Name optionally carries the client identity name.
	Name string `cbor:"name,omitempty"`
}

// Encode writes the full frame for h into w.
func Encode(w io.Writer, h Header) liberr.Error {
	if h.Version == 0 {
		h.Version = 1
	}

	bdy, err := libcbr.Marshal(h)
	if err != nil {
		return ErrorEncode.Error(err)
	} else if len(bdy) > MaxFrame {
		return ErrorFrameTooLarge.Error(nil)
	}

	buf := make([]byte, 0, PrefixLen+len(bdy))
	buf = append(buf, Magic...)
	buf = appendUint32(buf, uint32(len(bdy)))
	buf = append(buf, bdy...)

	if _, err = w.Write(buf); err != nil {
		return ErrorEncode.Error(err)
	}

	return nil
}

// Decode reads one frame from r. The reader must be positioned at the magic.
func Decode(r io.Reader) (Header, liberr.Error) {
	var pfx = make([]byte, PrefixLen)

	if _, err := io.ReadFull(r, pfx); err != nil {
		return Header{}, ErrorDecode.Error(err)
	}

	ln, e := ParsePrefix(pfx)
	if e != nil {
		return Header{}, e
	}

	bdy := make([]byte, ln)
	if _, err := io.ReadFull(r, bdy); err != nil {
		return Header{}, ErrorDecode.Error(err)
	}

	return ParseBody(bdy)
}

// IsPrefix reports whether b could still grow into a valid frame prefix:
// true while b is a prefix of the magic, or starts with the full magic. Bytes
// after the magic, including the length field, are not inspected.
func IsPrefix(b []byte) bool {
	n := len(b)
	if n > MagicLen {
		n = MagicLen
	}

	return string(b[:n]) == Magic[:n]
}

// ParsePrefix validates the fixed frame prefix and returns the body length.
func ParsePrefix(pfx []byte) (uint32, liberr.Error) {
	if len(pfx) < PrefixLen || string(pfx[:MagicLen]) != Magic {
		return 0, ErrorBadMagic.Error(nil)
	}

	ln := uint32(pfx[MagicLen])<<24 | uint32(pfx[MagicLen+1])<<16 | uint32(pfx[MagicLen+2])<<8 | uint32(pfx[MagicLen+3])

	if ln > MaxFrame {
		return 0, ErrorFrameTooLarge.Error(nil)
	}

	return ln, nil
}

// ParseBody decodes the CBOR frame body.
func ParseBody(bdy []byte) (Header, liberr.Error) {
	var h Header

	if err := libcbr.Unmarshal(bdy, &h); err != nil {
		return Header{}, ErrorDecode.Error(err)
	} else if h.Version != 1 {
		return Header{}, ErrorVersion.Error(nil)
	} else if h.Proto > ProtoHTTP2 {
		return Header{}, ErrorProtocol.Error(nil)
	}

	return h, nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
