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

package httpout_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"time"

	libdur "github.com/nabbar/golib/duration"

	libbck "github/sabouaram/meshproxy/backoff"
	libhdr "github/sabouaram/meshproxy/header"
	libhot "github/sabouaram/meshproxy/httpout"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func connCfg() libhot.Config {
	return libhot.Config{
		Timeout: libdur.ParseDuration(time.Second),
		Backoff: libbck.Config{
			Min: 20 * time.Millisecond,
			Max: 200 * time.Millisecond,
		},
	}
}

func endpointOf(addr net.Addr, proto libhdr.SessionProtocol) libhot.Endpoint {
	a, e := netip.ParseAddrPort(addr.String())
	Expect(e).ToNot(HaveOccurred())

	return libhot.Endpoint{Addr: a, Proto: proto}
}

var _ = Describe("HTTP Client Pipeline", func() {
	Context("HTTP/1 path", func() {
		It("should round-trip a request over the pooled transport", func() {
			stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("upstream-ok"))
			}))
			defer stub.Close()

			mkc := libhot.New(connCfg(), nil, nil, nil)
			cli := mkc.NewClient(endpointOf(stub.Listener.Addr(), libhdr.ProtoHTTP1), "default")
			defer func() { _ = cli.Close() }()

			req, e := http.NewRequest(http.MethodGet, "http://ignored/", nil)
			Expect(e).ToNot(HaveOccurred())

			Expect(cli.Ready(x)).To(Succeed())

			res, err := cli.Call(x, req)
			Expect(err).ToNot(HaveOccurred())
			defer func() { _ = res.Body.Close() }()

			Expect(res.StatusCode).To(Equal(http.StatusOK))

			body, e := io.ReadAll(res.Body)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(body)).To(Equal("upstream-ok"))
		})
	})

	Context("reconnect policy", func() {
		It("should retry a refused endpoint under backoff until the context gives up", func() {
			// Reserve an address nothing listens on.
			hold, e := net.Listen("tcp", "127.0.0.1:0")
			Expect(e).ToNot(HaveOccurred())
			adr := hold.Addr()
			_ = hold.Close()

			mkc := libhot.New(connCfg(), nil, nil, nil)
			cli := mkc.NewClient(endpointOf(adr, libhdr.ProtoHTTP1), "default")
			defer func() { _ = cli.Close() }()

			req, e := http.NewRequest(http.MethodGet, "http://ignored/", nil)
			Expect(e).ToNot(HaveOccurred())

			ctx, cnl := context.WithTimeout(x, 300*time.Millisecond)
			defer cnl()

			beg := time.Now()
			_, err := cli.Call(ctx, req.WithContext(ctx))

			Expect(err).To(HaveOccurred())
			// At least one backoff delay elapsed before giving up.
			Expect(time.Since(beg)).To(BeNumerically(">=", 20*time.Millisecond))
		})

		It("should serve consecutive requests on a reachable endpoint", func() {
			stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			}))
			defer stub.Close()

			mkc := libhot.New(connCfg(), nil, nil, nil)
			cli := mkc.NewClient(endpointOf(stub.Listener.Addr(), libhdr.ProtoHTTP1), "default")
			defer func() { _ = cli.Close() }()

			for i := 0; i < 3; i++ {
				req, e := http.NewRequest(http.MethodGet, "http://ignored/", nil)
				Expect(e).ToNot(HaveOccurred())

				res, err := cli.Call(x, req)
				Expect(err).ToNot(HaveOccurred())
				_ = res.Body.Close()
				Expect(res.StatusCode).To(Equal(http.StatusNoContent))
			}
		})
	})

	Context("HTTP/2 prior-knowledge path", func() {
		It("should speak h2c to an upstream that supports it", func() {
			stub := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.ProtoMajor != 2 {
					w.WriteHeader(http.StatusHTTPVersionNotSupported)
					return
				}
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("h2-ok"))
			}))

			stub.Config.Handler = h2cWrap(stub.Config.Handler)
			stub.Start()
			defer stub.Close()

			mkc := libhot.New(connCfg(), nil, nil, nil)
			cli := mkc.NewClient(endpointOf(stub.Listener.Addr(), libhdr.ProtoHTTP2), "default")
			defer func() { _ = cli.Close() }()

			req, e := http.NewRequest(http.MethodGet, "http://ignored/", nil)
			Expect(e).ToNot(HaveOccurred())

			res, err := cli.Call(x, req)
			Expect(err).ToNot(HaveOccurred())
			defer func() { _ = res.Body.Close() }()

			Expect(res.StatusCode).To(Equal(http.StatusOK))
			Expect(res.ProtoMajor).To(Equal(2))

			body, e := io.ReadAll(res.Body)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(body)).To(Equal("h2-ok"))
		})
	})
})
