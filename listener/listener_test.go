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

package listener_test

import (
	"context"
	"net"
	"net/netip"
	"time"

	libadr "github/sabouaram/meshproxy/address"
	liblsn "github/sabouaram/meshproxy/listener"
	libodr "github/sabouaram/meshproxy/origdst"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// failRsv is a resolver failing every lookup, to exercise the drop path.
type failRsv struct{}

func (o *failRsv) OrigDst(_ *net.TCPConn) (libadr.OrigDstAddr, error) {
	return libadr.OrigDstAddr{}, libodr.ErrorSyscall.Error(nil)
}

var _ = Describe("TCP Listener", func() {
	var (
		c   context.Context
		cnl context.CancelFunc
	)

	BeforeEach(func() {
		c, cnl = context.WithCancel(x)
	})

	AfterEach(func() {
		if cnl != nil {
			cnl()
		}
	})

	Context("binding", func() {
		It("should bind an ephemeral port and expose the bound address", func() {
			lsn, err := liblsn.New(liblsn.Config{Listen: "127.0.0.1:0"}, nil, nil)
			Expect(err).To(BeNil())

			stm, err := lsn.Bind(c)
			Expect(err).To(BeNil())
			defer func() { _ = stm.Close() }()

			Expect(stm.Addr().Addr.Port()).ToNot(BeZero())
		})

		It("should reject an invalid listen address at validation", func() {
			_, err := liblsn.New(liblsn.Config{Listen: "not-an-address"}, nil, nil)
			Expect(err).ToNot(BeNil())
		})

		It("should fail binding a port already in use", func() {
			hold, e := net.Listen("tcp", "127.0.0.1:0")
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = hold.Close() }()

			lsn, err := liblsn.New(liblsn.Config{Listen: hold.Addr().String()}, nil, nil)
			Expect(err).To(BeNil())

			_, err = lsn.Bind(c)
			Expect(err).ToNot(BeNil())
		})
	})

	Context("accepting", func() {
		It("should stream accepted connections with their address tuple", func() {
			lsn, err := liblsn.New(liblsn.Config{Listen: "127.0.0.1:0"}, nil, nil)
			Expect(err).To(BeNil())

			stm, err := lsn.Bind(c)
			Expect(err).To(BeNil())
			defer func() { _ = stm.Close() }()

			clt, e := net.Dial("tcp", stm.Addr().Addr.String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			var acc liblsn.Accepted
			Eventually(stm.Conns(), 2*time.Second).Should(Receive(&acc))
			defer func() { _ = acc.Conn.Close() }()

			Expect(acc.Addrs.Local.Addr.AddrPort).To(Equal(stm.Addr().Addr.AddrPort))
			Expect(acc.Addrs.Client.Addr.String()).To(Equal(clt.LocalAddr().String()))

			_, hasOrig := acc.Addrs.OrigDstAddr()
			Expect(hasOrig).To(BeFalse())
			Expect(acc.Addrs.TargetAddr()).To(Equal(stm.Addr().Addr.AddrPort))
		})

		It("should tag connections with the resolver's original destination", func() {
			org := libadr.OrigDstAddr{AddrPort: netip.MustParseAddrPort("10.0.0.2:8080")}

			lsn, err := liblsn.New(liblsn.Config{Listen: "127.0.0.1:0"}, libodr.Mock(org), nil)
			Expect(err).To(BeNil())

			stm, err := lsn.Bind(c)
			Expect(err).To(BeNil())
			defer func() { _ = stm.Close() }()

			clt, e := net.Dial("tcp", stm.Addr().Addr.String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			var acc liblsn.Accepted
			Eventually(stm.Conns(), 2*time.Second).Should(Receive(&acc))
			defer func() { _ = acc.Conn.Close() }()

			// Address fidelity: the target every downstream stage observes
			// is exactly the resolved original destination.
			Expect(acc.Addrs.TargetAddr()).To(Equal(org.AddrPort))
		})

		It("should drop connections whose original destination cannot be resolved", func() {
			lsn, err := liblsn.New(liblsn.Config{Listen: "127.0.0.1:0"}, &failRsv{}, nil)
			Expect(err).To(BeNil())

			stm, err := lsn.Bind(c)
			Expect(err).To(BeNil())
			defer func() { _ = stm.Close() }()

			clt, e := net.Dial("tcp", stm.Addr().Addr.String())
			Expect(e).ToNot(HaveOccurred())
			defer func() { _ = clt.Close() }()

			// The connection is dropped, not delivered.
			Consistently(stm.Conns(), 200*time.Millisecond).ShouldNot(Receive())

			// The peer observes the close.
			_ = clt.SetReadDeadline(time.Now().Add(2 * time.Second))
			one := make([]byte, 1)
			_, re := clt.Read(one)
			Expect(re).To(HaveOccurred())
		})
	})

	Context("shutdown", func() {
		It("should end the stream cleanly on context cancellation", func() {
			lsn, err := liblsn.New(liblsn.Config{Listen: "127.0.0.1:0"}, nil, nil)
			Expect(err).To(BeNil())

			stm, err := lsn.Bind(c)
			Expect(err).To(BeNil())

			cnl()

			Eventually(stm.Conns(), 2*time.Second).Should(BeClosed())
			Expect(stm.Err()).To(BeNil())
		})

		It("should end the stream cleanly on Close", func() {
			lsn, err := liblsn.New(liblsn.Config{Listen: "127.0.0.1:0"}, nil, nil)
			Expect(err).To(BeNil())

			stm, err := lsn.Bind(c)
			Expect(err).To(BeNil())

			Expect(stm.Close()).To(Succeed())
			Eventually(stm.Conns(), 2*time.Second).Should(BeClosed())
			Expect(stm.Err()).To(BeNil())
		})
	})
})
