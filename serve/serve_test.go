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

package serve_test

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	libadr "github/sabouaram/meshproxy/address"
	liblsn "github/sabouaram/meshproxy/listener"
	libsrv "github/sabouaram/meshproxy/serve"
	libstk "github/sabouaram/meshproxy/stack"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// echo answers each connection by echoing one read back to the peer.
func echo(_ libadr.AcceptAddrs) (libstk.ConnService, error) {
	return libstk.Func(func(_ context.Context, rwc io.ReadWriteCloser) (libstk.Void, error) {
		defer func() { _ = rwc.Close() }()

		buf := make([]byte, 64)
		n, e := rwc.Read(buf)
		if e != nil {
			return libstk.Void{}, e
		}

		_, e = rwc.Write(buf[:n])
		return libstk.Void{}, e
	}), nil
}

var _ = Describe("Serve Loop", func() {
	var (
		c    context.Context
		cnl  context.CancelFunc
		stm  liblsn.Stream
		down chan struct{}
	)

	BeforeEach(func() {
		c, cnl = context.WithCancel(x)
		down = make(chan struct{})

		lsn, err := liblsn.New(liblsn.Config{Listen: "127.0.0.1:0"}, nil, nil)
		Expect(err).To(BeNil())

		stm, err = lsn.Bind(c)
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		if stm != nil {
			_ = stm.Close()
		}
		if cnl != nil {
			cnl()
		}
	})

	It("should dispatch each connection to its own task", func() {
		go func() {
			defer GinkgoRecover()
			_ = libsrv.Serve(c, stm, libsrv.FuncFactory(echo), down, nil)
		}()

		for i := 0; i < 3; i++ {
			clt, e := net.Dial("tcp", stm.Addr().Addr.String())
			Expect(e).ToNot(HaveOccurred())

			_, e = clt.Write([]byte("ping"))
			Expect(e).ToNot(HaveOccurred())

			buf := make([]byte, 4)
			_, e = io.ReadFull(clt, buf)
			Expect(e).ToNot(HaveOccurred())
			Expect(string(buf)).To(Equal("ping"))

			_ = clt.Close()
		}
	})

	It("should stop accepting when the shutdown signal fires", func() {
		res := make(chan error, 1)

		go func() {
			res <- libsrv.Serve(c, stm, libsrv.FuncFactory(echo), down, nil)
		}()

		close(down)
		Eventually(res, 2*time.Second).Should(Receive(BeNil()))
	})

	It("should keep serving other connections when the factory fails one", func() {
		var calls atomic.Int32

		factory := libsrv.FuncFactory(func(addrs libadr.AcceptAddrs) (libstk.ConnService, error) {
			if calls.Add(1) == 1 {
				return nil, libstk.ErrorBuild.Error(nil)
			}
			return echo(addrs)
		})

		go func() {
			defer GinkgoRecover()
			_ = libsrv.Serve(c, stm, factory, down, nil)
		}()

		// First connection is refused by the factory and closed.
		bad, e := net.Dial("tcp", stm.Addr().Addr.String())
		Expect(e).ToNot(HaveOccurred())
		_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
		one := make([]byte, 1)
		_, re := bad.Read(one)
		Expect(re).To(HaveOccurred())
		_ = bad.Close()

		// The next one is served normally.
		good, e := net.Dial("tcp", stm.Addr().Addr.String())
		Expect(e).ToNot(HaveOccurred())
		defer func() { _ = good.Close() }()

		_, e = good.Write([]byte("pong"))
		Expect(e).ToNot(HaveOccurred())

		buf := make([]byte, 4)
		_, e = io.ReadFull(good, buf)
		Expect(e).ToNot(HaveOccurred())
		Expect(string(buf)).To(Equal("pong"))
	})
})
