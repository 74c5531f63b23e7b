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

package detect_test

import (
	"bytes"
	"io"
	"net"
	"sync/atomic"
	"time"

	liberr "github.com/nabbar/golib/errors"

	libdtc "github/sabouaram/meshproxy/detect"
	libhdr "github/sabouaram/meshproxy/header"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// feed writes p to the returned server-side connection from a client peer.
func feed(p []byte, closeAfter bool) (net.Conn, net.Conn) {
	srv, clt := net.Pipe()

	go func() {
		if len(p) > 0 {
			_, _ = clt.Write(p)
		}
		if closeAfter {
			_ = clt.Close()
		}
	}()

	return srv, clt
}

var _ = Describe("Protocol Detector", func() {
	Context("HTTP matcher", func() {
		It("should recognize an HTTP/1 request line", func() {
			srv, clt := feed([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"), false)
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			det := libdtc.New[libdtc.Version](libdtc.NewHTTP(), 0, time.Second, nil)

			ver, inner, ok, err := det.Detect(srv)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(ver).To(Equal(libdtc.VersionH1))

			// Detector non-consumption: the inner stream re-yields every
			// peeked byte ahead of the remaining stream.
			buf := make([]byte, 4)
			_, e := io.ReadFull(inner, buf)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(buf)).To(Equal("GET "))
		})

		It("should recognize the HTTP/2 prior-knowledge preface", func() {
			pre := []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

			srv, clt := feed(pre, false)
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			det := libdtc.New[libdtc.Version](libdtc.NewHTTP(), 0, time.Second, nil)

			ver, inner, ok, err := det.Detect(srv)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(ver).To(Equal(libdtc.VersionH2))

			buf := make([]byte, len(pre))
			_, e := io.ReadFull(inner, buf)
			Expect(e).ToNot(HaveOccurred())
			Expect(buf).To(Equal(pre))
		})

		It("should report no match on a non-HTTP stream and still replay it", func() {
			srv, clt := feed([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x02, 0x03}, false)
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			det := libdtc.New[libdtc.Version](libdtc.NewHTTP(), 0, time.Second, nil)

			_, inner, ok, err := det.Detect(srv)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			buf := make([]byte, 4)
			_, e := io.ReadFull(inner, buf)
			Expect(e).ToNot(HaveOccurred())
			Expect(buf[1]).To(Equal(byte(0xad)))
		})
	})

	Context("TLS matcher", func() {
		It("should recognize a ClientHello record header", func() {
			srv, clt := feed([]byte{0x16, 0x03, 0x01, 0x00, 0x5a}, false)
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			det := libdtc.New[libdtc.ClientHello](libdtc.NewTLS(), 8, time.Second, nil)

			_, inner, ok, err := det.Detect(srv)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			buf := make([]byte, 5)
			_, e := io.ReadFull(inner, buf)
			Expect(e).ToNot(HaveOccurred())
			Expect(buf[0]).To(Equal(byte(0x16)))
		})

		It("should pass a plaintext stream through as no match", func() {
			srv, clt := feed([]byte("GET / HTTP/1.1\r\n"), false)
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			det := libdtc.New[libdtc.ClientHello](libdtc.NewTLS(), 8, time.Second, nil)

			_, _, ok, err := det.Detect(srv)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("opaque header matcher", func() {
		It("should consume the frame and replay only the tunneled payload", func() {
			var buf bytes.Buffer
			Expect(libhdr.Encode(&buf, libhdr.Header{Port: 8080, Proto: libhdr.ProtoHTTP2})).To(BeNil())
			buf.WriteString("inner-bytes")

			srv, clt := feed(buf.Bytes(), false)
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			det := libdtc.New[libhdr.Header](libdtc.NewOpaque(), libhdr.PrefixLen+libhdr.MaxFrame, time.Second, nil)

			hdr, inner, ok, err := det.Detect(srv)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(hdr.Port).To(Equal(uint16(8080)))
			Expect(hdr.Proto).To(Equal(libhdr.ProtoHTTP2))

			got := make([]byte, len("inner-bytes"))
			_, e := io.ReadFull(inner, got)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(got)).To(Equal("inner-bytes"))
		})

		It("should report no match for a plain HTTP stream", func() {
			srv, clt := feed([]byte("GET / HTTP/1.1\r\n"), false)
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			det := libdtc.New[libhdr.Header](libdtc.NewOpaque(), libhdr.PrefixLen+libhdr.MaxFrame, time.Second, nil)

			_, _, ok, err := det.Detect(srv)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("refusals", func() {
		It("should time out a silent peer and count the refusal", func() {
			srv, clt := net.Pipe()
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			var refused atomic.Int32

			det := libdtc.New[libdtc.Version](libdtc.NewHTTP(), 0, 50*time.Millisecond, func() {
				refused.Add(1)
			})

			_, _, _, err := det.Detect(srv)
			Expect(err).To(HaveOccurred())
			Expect(liberr.IsCode(err, libdtc.ErrorTimeout)).To(BeTrue())
			Expect(refused.Load()).To(Equal(int32(1)))
		})

		It("should answer no match when the stream ends before a request line completes", func() {
			srv, clt := feed([]byte("GE"), true)
			defer func() { _ = srv.Close(); _ = clt.Close() }()

			det := libdtc.New[libdtc.Version](libdtc.NewHTTP(), 0, time.Second, nil)

			_, inner, ok, err := det.Detect(srv)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			// The two bytes read during detection are still replayed.
			buf := make([]byte, 2)
			_, e := io.ReadFull(inner, buf)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(buf)).To(Equal("GE"))
		})
	})
})
