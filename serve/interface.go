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

// Package serve drives the accept stream: one factory lookup and one
// independent task per accepted connection, all running under the serve
// context and cancelled together when it ends.
//
// The per-connection service value is held until its call returns, which
// pins any cache entry it references for the lifetime of the connection.
// Shutdown stops the accept loop without waiting for in-flight connection
// tasks; draining those is the drain coordinator's concern.
package serve

import (
	"context"

	liblog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"

	libadr "github/sabouaram/meshproxy/address"
	liblsn "github/sabouaram/meshproxy/listener"
	libstk "github/sabouaram/meshproxy/stack"
)

// Factory produces the connection service of one accepted connection from
// its address tuple.
type Factory interface {
	NewService(addrs libadr.AcceptAddrs) (libstk.ConnService, error)
}

// FuncFactory adapts a function into a Factory.
type FuncFactory func(addrs libadr.AcceptAddrs) (libstk.ConnService, error)

func (f FuncFactory) NewService(addrs libadr.AcceptAddrs) (libstk.ConnService, error) {
	return f(addrs)
}

// Serve pulls connections from the stream until it ends or shutdown fires,
// spawning each connection on its own task. Shutdown wins ties with a
// pending accept. The returned error is the stream's fatal error, nil on
// shutdown or clean stream end.
func Serve(ctx context.Context, stm liblsn.Stream, fac Factory, shutdown <-chan struct{}, fct liblog.FuncLog) error {
	log := func() liblog.Logger {
		if fct != nil {
			if l := fct(); l != nil {
				return l
			}
		}
		return liblog.New(context.Background())
	}

	for {
		select {
		case <-shutdown:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		select {
		case <-shutdown:
			return nil

		case <-ctx.Done():
			return nil

		case acc, ok := <-stm.Conns():
			if !ok {
				return stm.Err()
			}

			svc, err := fac.NewService(acc.Addrs)
			if err != nil {
				ent := log().Entry(loglvl.WarnLevel, "cannot build connection service")
				ent.FieldAdd("client", acc.Addrs.Client.Addr.String())
				ent.ErrorAdd(true, err)
				ent.Log()

				_ = acc.Conn.Close()
				continue
			}

			go run(ctx, svc, acc, log)
		}
	}
}

// run executes one connection task: readiness, then the call. The service
// value stays live for the whole task.
func run(ctx context.Context, svc libstk.ConnService, acc liblsn.Accepted, log liblog.FuncLog) {
	defer func() {
		_ = acc.Conn.Close()
	}()

	if err := svc.Ready(ctx); err != nil {
		ent := log().Entry(loglvl.WarnLevel, "server failed to become ready")
		ent.FieldAdd("client", acc.Addrs.Client.Addr.String())
		ent.ErrorAdd(true, err)
		ent.Log()
		return
	}

	if _, err := svc.Call(ctx, acc.Conn); err != nil {
		ent := log().Entry(loglvl.InfoLevel, "connection closed")
		ent.FieldAdd("client", acc.Addrs.Client.Addr.String())
		ent.ErrorAdd(true, err)
		ent.Log()
	} else {
		ent := log().Entry(loglvl.DebugLevel, "connection closed")
		ent.FieldAdd("client", acc.Addrs.Client.Addr.String())
		ent.Log()
	}
}
