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

// Package forward copies opaque streams byte for byte in both directions,
// preserving half-close: when one side stops sending, the other may keep
// writing until it closes its own send side.
package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// halfCloser is the send-side close supported by TCP and TLS connections.
type halfCloser interface {
	CloseWrite() error
}

// Forward copies bytes between src and dst until both directions are done.
// An error on one direction shuts that direction down without terminating
// the other. Both connections are closed before returning. The context
// aborts the copy early by closing both sockets.
func Forward(ctx context.Context, src, dst net.Conn) error {
	var (
		wg  sync.WaitGroup
		res = make([]error, 2)
	)

	stop := context.AfterFunc(ctx, func() {
		_ = src.Close()
		_ = dst.Close()
	})

	defer func() {
		stop()
		_ = src.Close()
		_ = dst.Close()
	}()

	wg.Add(2)

	go func() {
		defer wg.Done()
		res[0] = copyHalf(dst, src)
	}()

	go func() {
		defer wg.Done()
		res[1] = copyHalf(src, dst)
	}()

	wg.Wait()

	return errors.Join(res[0], res[1])
}

// copyHalf streams one direction and signals end-of-stream to the receiver
// with a half-close instead of a full close.
func copyHalf(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)

	if c, k := dst.(halfCloser); k {
		_ = c.CloseWrite()
	}

	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}
