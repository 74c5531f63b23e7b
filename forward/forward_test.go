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

package forward_test

import (
	"context"
	"io"
	"net"
	"time"

	libfwd "github/sabouaram/meshproxy/forward"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// tcpPair returns two connected TCP sockets through a loopback listener.
func tcpPair() (*net.TCPConn, *net.TCPConn) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())
	defer func() { _ = lst.Close() }()

	var (
		acc net.Conn
		ace = make(chan error, 1)
	)

	go func() {
		var e error
		acc, e = lst.Accept()
		ace <- e
	}()

	dia, err := net.Dial("tcp", lst.Addr().String())
	Expect(err).ToNot(HaveOccurred())
	Expect(<-ace).ToNot(HaveOccurred())

	return acc.(*net.TCPConn), dia.(*net.TCPConn)
}

var _ = Describe("TCP Forwarder", func() {
	It("should copy bytes in both directions", func() {
		aSrv, aClt := tcpPair()
		bSrv, bClt := tcpPair()

		done := make(chan error, 1)
		go func() {
			done <- libfwd.Forward(context.Background(), aSrv, bClt)
		}()

		_, err := aClt.Write([]byte("request-bytes"))
		Expect(err).ToNot(HaveOccurred())

		buf := make([]byte, len("request-bytes"))
		_, err = io.ReadFull(bSrv, buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(buf)).To(Equal("request-bytes"))

		_, err = bSrv.Write([]byte("response-bytes"))
		Expect(err).ToNot(HaveOccurred())

		buf = make([]byte, len("response-bytes"))
		_, err = io.ReadFull(aClt, buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(buf)).To(Equal("response-bytes"))

		_ = aClt.Close()
		_ = bSrv.Close()

		Eventually(done, 2*time.Second).Should(Receive(BeNil()))
	})

	It("should preserve half-close: the reverse direction outlives a sender EOF", func() {
		aSrv, aClt := tcpPair()
		bSrv, bClt := tcpPair()

		go func() {
			_ = libfwd.Forward(context.Background(), aSrv, bClt)
		}()

		// Client stops sending but still reads.
		_, err := aClt.Write([]byte("last-words"))
		Expect(err).ToNot(HaveOccurred())
		Expect(aClt.CloseWrite()).To(Succeed())

		buf := make([]byte, len("last-words"))
		_, err = io.ReadFull(bSrv, buf)
		Expect(err).ToNot(HaveOccurred())

		// The upstream observes EOF...
		one := make([]byte, 1)
		_, err = bSrv.Read(one)
		Expect(err).To(Equal(io.EOF))

		// ...and can still answer on the reverse path.
		_, err = bSrv.Write([]byte("late-response"))
		Expect(err).ToNot(HaveOccurred())

		buf = make([]byte, len("late-response"))
		_, err = io.ReadFull(aClt, buf)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(buf)).To(Equal("late-response"))

		_ = aClt.Close()
		_ = bSrv.Close()
	})

	It("should stop on context cancellation", func() {
		aSrv, aClt := tcpPair()
		bSrv, bClt := tcpPair()

		defer func() {
			_ = aClt.Close()
			_ = bSrv.Close()
		}()

		ctx, cnl := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- libfwd.Forward(ctx, aSrv, bClt)
		}()

		cnl()
		Eventually(done, 2*time.Second).Should(Receive())
	})
})
