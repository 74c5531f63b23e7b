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

package drain_test

import (
	"context"
	"time"

	libdrn "github/sabouaram/meshproxy/drain"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Drain Coordinator", func() {
	Context("signal", func() {
		It("should transition monotonically and close the watch channel once", func() {
			sig, wtc := libdrn.New()

			Expect(wtc.IsClosing()).To(BeFalse())

			sig.Signal()
			sig.Signal()

			Expect(wtc.IsClosing()).To(BeTrue())

			select {
			case <-wtc.Signaled():
			default:
				Fail("signaled channel must be closed after Signal")
			}
		})
	})

	Context("retention", func() {
		It("should complete Drained immediately without retained responses", func() {
			sig, _ := libdrn.New()
			sig.Signal()

			ctx, cnl := context.WithTimeout(context.Background(), time.Second)
			defer cnl()

			Expect(sig.Drained(ctx)).To(Succeed())
		})

		It("should hold Drained until every retention handle is released", func() {
			sig, wtc := libdrn.New()

			r1 := wtc.Retain()
			r2 := wtc.Retain()

			sig.Signal()

			done := make(chan error, 1)
			go func() {
				ctx, cnl := context.WithTimeout(context.Background(), 2*time.Second)
				defer cnl()
				done <- sig.Drained(ctx)
			}()

			Consistently(done, 100*time.Millisecond).ShouldNot(Receive())

			r1.Release()
			Consistently(done, 100*time.Millisecond).ShouldNot(Receive())

			r2.Release()
			Eventually(done, time.Second).Should(Receive(BeNil()))
		})

		It("should tolerate double release", func() {
			sig, wtc := libdrn.New()

			r := wtc.Retain()
			r.Release()
			r.Release()

			ctx, cnl := context.WithTimeout(context.Background(), time.Second)
			defer cnl()

			Expect(sig.Drained(ctx)).To(Succeed())
		})

		It("should give up with the context error when responses never finish", func() {
			sig, wtc := libdrn.New()

			_ = wtc.Retain()
			sig.Signal()

			ctx, cnl := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cnl()

			Expect(sig.Drained(ctx)).To(MatchError(context.DeadlineExceeded))
		})
	})
})
