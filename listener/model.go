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

package listener

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	libatm "github.com/nabbar/golib/atomic"
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"

	libadr "github/sabouaram/meshproxy/address"
	libodr "github/sabouaram/meshproxy/origdst"
)

// acceptRetryDelay paces the accept loop after a transient error so a burst
// of EMFILE does not spin the loop.
const acceptRetryDelay = 100 * time.Millisecond

type lsn struct {
	cfg Config
	rsv libodr.Resolver
	log libatm.Value[liblog.FuncLog]
}

type stm struct {
	adr libadr.Local[libadr.ServerAddr]
	tcp *net.TCPListener
	cnn chan Accepted
	err libatm.Value[error]
	log liblog.FuncLog
}

func (o *lsn) logger() liblog.Logger {
	if f := o.log.Load(); f != nil {
		if l := f(); l != nil {
			return l
		}
	}

	return liblog.New(context.Background())
}

func (o *lsn) Bind(ctx context.Context) (Stream, liberr.Error) {
	// Keepalive is applied per socket in accept; -1 stops the runtime from
	// enabling its own default on every accepted socket.
	var lc = net.ListenConfig{KeepAlive: -1}

	l, err := lc.Listen(ctx, "tcp", o.cfg.Listen)
	if err != nil {
		return nil, ErrorBindListen.Error(err)
	}

	tcp, ok := l.(*net.TCPListener)
	if !ok {
		_ = l.Close()
		return nil, ErrorBindListen.Error(nil)
	}

	adr, ok := tcp.Addr().(*net.TCPAddr)
	if !ok {
		_ = tcp.Close()
		return nil, ErrorBindListen.Error(nil)
	}

	s := &stm{
		adr: libadr.Local[libadr.ServerAddr]{Addr: libadr.ServerAddr{AddrPort: libadr.FromTCPAddr(adr)}},
		tcp: tcp,
		cnn: make(chan Accepted),
		err: libatm.NewValue[error](),
		log: func() liblog.Logger { return o.logger() },
	}

	go s.run(ctx, o.rsv, o.cfg.Keepalive.Time())

	return s, nil
}

func (s *stm) Addr() libadr.Local[libadr.ServerAddr] {
	return s.adr
}

func (s *stm) Conns() <-chan Accepted {
	return s.cnn
}

func (s *stm) Err() error {
	return s.err.Load()
}

func (s *stm) Close() error {
	return s.tcp.Close()
}

func (s *stm) run(ctx context.Context, rsv libodr.Resolver, kpl time.Duration) {
	defer close(s.cnn)

	go func() {
		<-ctx.Done()
		_ = s.tcp.Close()
	}()

	for {
		con, err := s.tcp.AcceptTCP()

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			var ner net.Error
			if (errors.As(err, &ner) && ner.Timeout()) || errors.Is(err, syscall.EMFILE) {
				s.log().Entry(loglvl.WarnLevel, "transient accept error").ErrorAdd(true, err).Log()
				time.Sleep(acceptRetryDelay)
				continue
			}

			s.err.Store(ErrorAcceptFatal.Error(err))
			return
		}

		acc, ok := s.accept(con, rsv, kpl)
		if !ok {
			continue
		}

		select {
		case s.cnn <- acc:
		case <-ctx.Done():
			_ = con.Close()
			return
		}
	}
}

// accept applies the socket options and the original-destination lookup to a
// freshly accepted socket. A failed lookup drops the connection.
func (s *stm) accept(con *net.TCPConn, rsv libodr.Resolver, kpl time.Duration) (Accepted, bool) {
	if e := con.SetNoDelay(true); e != nil {
		s.log().Entry(loglvl.WarnLevel, "cannot set TCP_NODELAY").ErrorAdd(true, e).Log()
	}

	if kpl > 0 {
		if e := con.SetKeepAlive(true); e != nil {
			s.log().Entry(loglvl.WarnLevel, "cannot set SO_KEEPALIVE").ErrorAdd(true, e).Log()
		} else if e = con.SetKeepAlivePeriod(kpl); e != nil {
			s.log().Entry(loglvl.WarnLevel, "cannot set keepalive period").ErrorAdd(true, e).Log()
		}
	}

	var (
		lcl, _ = con.LocalAddr().(*net.TCPAddr)
		rmt, _ = con.RemoteAddr().(*net.TCPAddr)
		srv    = libadr.ServerAddr{AddrPort: libadr.FromTCPAddr(lcl)}
		clt    = libadr.ClientAddr{AddrPort: libadr.FromTCPAddr(rmt)}
	)

	if rsv == nil {
		return Accepted{
			Addrs: libadr.NewAccept(srv, clt),
			Conn:  con,
		}, true
	}

	org, err := rsv.OrigDst(con)
	if err != nil {
		ent := s.log().Entry(loglvl.WarnLevel, "cannot resolve original destination, dropping connection")
		ent.FieldAdd("client", clt.String())
		ent.ErrorAdd(true, err)
		ent.Log()

		_ = con.Close()
		return Accepted{}, false
	}

	return Accepted{
		Addrs: libadr.NewAcceptOrigDst(srv, clt, org),
		Conn:  con,
	}, true
}
