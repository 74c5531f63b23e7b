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

package inbound_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"time"

	libdur "github.com/nabbar/golib/duration"
	"github.com/prometheus/client_golang/prometheus"

	libadr "github/sabouaram/meshproxy/address"
	libbck "github/sabouaram/meshproxy/backoff"
	libhdr "github/sabouaram/meshproxy/header"
	libhin "github/sabouaram/meshproxy/httpin"
	libhot "github/sabouaram/meshproxy/httpout"
	libinb "github/sabouaram/meshproxy/inbound"
	liblsn "github/sabouaram/meshproxy/listener"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// harness is one running inbound proxy with its mock resolver and registry.
type harness struct {
	inb libinb.Inbound
	rsv *mutRsv
	reg *prometheus.Registry
	cnl context.CancelFunc
}

func (h *harness) addr() netip.AddrPort {
	return h.inb.Addr().Addr.AddrPort
}

func (h *harness) stop() {
	ctx, cnl := context.WithTimeout(context.Background(), 2*time.Second)
	defer cnl()

	_ = h.inb.Shutdown(ctx)
	h.cnl()
}

func startProxy(mut func(*libinb.Config)) *harness {
	cfg := libinb.Config{
		Server: liblsn.Config{Listen: "127.0.0.1:0"},
		Connect: libhot.Config{
			Timeout: libdur.ParseDuration(2 * time.Second),
			Backoff: libbck.Config{
				Min: 10 * time.Millisecond,
				Max: 100 * time.Millisecond,
			},
		},
		Proxy: libhin.Config{
			MaxInFlight:     64,
			BufferCapacity:  16,
			DispatchTimeout: libdur.ParseDuration(2 * time.Second),
			CacheMaxIdleAge: libdur.ParseDuration(10 * time.Second),
		},
		DetectProtocolTimeout: libdur.ParseDuration(500 * time.Millisecond),
	}

	if mut != nil {
		mut(&cfg)
	}

	rsv := &mutRsv{}
	rsv.Set(libadr.OrigDstAddr{AddrPort: netip.MustParseAddrPort("10.0.0.2:8080")})

	reg := prometheus.NewRegistry()

	inb, err := libinb.New(cfg, libinb.Options{
		Resolver: rsv,
		Registry: reg,
	})
	Expect(err).To(BeNil())

	ctx, cnl := context.WithCancel(x)

	Expect(inb.Bind(ctx)).To(BeNil())

	go func() {
		defer GinkgoRecover()
		_ = inb.Serve(ctx)
	}()

	return &harness{inb: inb, rsv: rsv, reg: reg, cnl: cnl}
}

var _ = Describe("Inbound Proxy", func() {
	Context("plain HTTP/1 traffic towards the application (S1)", func() {
		It("should proxy the request and count it", func() {
			stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			}))
			defer stub.Close()

			h := startProxy(nil)
			defer h.stop()

			org, e := libadr.ParseServer(stub.Listener.Addr().String())
			Expect(e).ToNot(HaveOccurred())
			h.rsv.Set(libadr.OrigDstAddr{AddrPort: org.AddrPort})

			clt, e := net.Dial("tcp", h.addr().String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			_, e = clt.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
			Expect(e).ToNot(HaveOccurred())

			res, e := http.ReadResponse(bufio.NewReader(clt), nil)
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = res.Body.Close() }()

			Expect(res.StatusCode).To(Equal(http.StatusOK))

			body, e := io.ReadAll(res.Body)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(body)).To(Equal("ok"))

			Eventually(func() float64 {
				return counterSum(h.reg, "inbound_http_requests", map[string]string{"status_code": "200"})
			}, 2*time.Second, 50*time.Millisecond).Should(Equal(1.0))
		})
	})

	Context("self-connection with the opaque transport header (S2)", func() {
		It("should take the direct path and forward opaquely to the announced port", func() {
			// Echo stub standing in for the local application endpoint.
			echo, e := net.Listen("tcp", "127.0.0.1:0")
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = echo.Close() }()

			go func() {
				for {
					c, er := echo.Accept()
					if er != nil {
						return
					}
					go func(c net.Conn) {
						defer func() { _ = c.Close() }()
						_, _ = io.Copy(c, c)
					}(c)
				}
			}()

			h := startProxy(nil)
			defer h.stop()

			// The original destination points back at the proxy itself.
			h.rsv.Set(libadr.OrigDstAddr{AddrPort: h.addr()})

			prt := uint16(echo.Addr().(*net.TCPAddr).Port)

			var frame bytes.Buffer
			Expect(libhdr.Encode(&frame, libhdr.Header{
				Port:  prt,
				Proto: libhdr.ProtoHTTP2,
			})).To(BeNil())
			frame.WriteString("tunneled-payload")

			clt, e := net.Dial("tcp", h.addr().String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			_, e = clt.Write(frame.Bytes())
			Expect(e).ToNot(HaveOccurred())

			buf := make([]byte, len("tunneled-payload"))
			_ = clt.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, e = io.ReadFull(clt, buf)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(buf)).To(Equal("tunneled-payload"))
		})
	})

	Context("self-connection without the opaque header (S3)", func() {
		It("should refuse the connection instead of recursing", func() {
			h := startProxy(nil)
			defer h.stop()

			h.rsv.Set(libadr.OrigDstAddr{AddrPort: h.addr()})

			clt, e := net.Dial("tcp", h.addr().String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			_, e = clt.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
			Expect(e).ToNot(HaveOccurred())

			// No HTTP response: the connection just closes.
			_ = clt.SetReadDeadline(time.Now().Add(2 * time.Second))
			one := make([]byte, 1)
			_, re := clt.Read(one)
			Expect(re).To(HaveOccurred())
		})
	})

	Context("identity-required ports (S4)", func() {
		It("should refuse plain connections targeting a gated port", func() {
			h := startProxy(func(cfg *libinb.Config) {
				cfg.RequireIdentityForInboundPorts = []uint16{4143}
			})
			defer h.stop()

			h.rsv.Set(libadr.OrigDstAddr{AddrPort: netip.MustParseAddrPort("10.0.0.2:4143")})

			clt, e := net.Dial("tcp", h.addr().String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			_, e = clt.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
			Expect(e).ToNot(HaveOccurred())

			_ = clt.SetReadDeadline(time.Now().Add(2 * time.Second))
			one := make([]byte, 1)
			_, re := clt.Read(one)
			Expect(re).To(HaveOccurred())

			Eventually(func() float64 {
				return counterSum(h.reg, "inbound_refused_connections", map[string]string{"reason": "identity_required"})
			}, 2*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1.0))
		})
	})

	Context("silent peers (S6)", func() {
		It("should close the connection after the detect timeout and count it", func() {
			h := startProxy(func(cfg *libinb.Config) {
				cfg.DetectProtocolTimeout = libdur.ParseDuration(200 * time.Millisecond)
			})
			defer h.stop()

			clt, e := net.Dial("tcp", h.addr().String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			_ = clt.SetReadDeadline(time.Now().Add(3 * time.Second))
			one := make([]byte, 1)
			_, re := clt.Read(one)
			Expect(re).To(HaveOccurred())

			Eventually(func() float64 {
				return counterSum(h.reg, "inbound_detect_failures", map[string]string{"stage": "http"})
			}, 2*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 1.0))
		})
	})

	Context("ports exempt from detection", func() {
		It("should forward opaquely without waiting for any bytes", func() {
			stub, e := net.Listen("tcp", "127.0.0.1:0")
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = stub.Close() }()

			go func() {
				c, er := stub.Accept()
				if er != nil {
					return
				}
				_, _ = c.Write([]byte("server-speaks-first"))
				_ = c.Close()
			}()

			prt := uint16(stub.Addr().(*net.TCPAddr).Port)

			h := startProxy(func(cfg *libinb.Config) {
				cfg.DisableProtocolDetectionForPorts = []uint16{prt}
			})
			defer h.stop()

			h.rsv.Set(libadr.OrigDstAddr{AddrPort: netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), prt)})

			clt, e := net.Dial("tcp", h.addr().String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			// A server-first protocol works because no detection stage runs.
			buf := make([]byte, len("server-speaks-first"))
			_ = clt.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, e = io.ReadFull(clt, buf)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(buf)).To(Equal("server-speaks-first"))
		})
	})
})
