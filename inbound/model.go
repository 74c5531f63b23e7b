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

package inbound

import (
	"context"
	"io"
	"net"
	"net/netip"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"

	libadr "github/sabouaram/meshproxy/address"
	libdtc "github/sabouaram/meshproxy/detect"
	libdrn "github/sabouaram/meshproxy/drain"
	libfwd "github/sabouaram/meshproxy/forward"
	libhdr "github/sabouaram/meshproxy/header"
	libhin "github/sabouaram/meshproxy/httpin"
	libhot "github/sabouaram/meshproxy/httpout"
	libidn "github/sabouaram/meshproxy/identity"
	liblsn "github/sabouaram/meshproxy/listener"
	libmet "github/sabouaram/meshproxy/metrics"
	libsrv "github/sabouaram/meshproxy/serve"
	libstk "github/sabouaram/meshproxy/stack"
	libtap "github/sabouaram/meshproxy/tap"
)

type inb struct {
	cfg Config
	opt Options

	trm libidn.Terminator
	sig libdrn.Signaler
	wtc libdrn.Watch
	prm *libmet.Proxy
	tap libtap.Registry

	lsn liblsn.Listener
	stm liblsn.Stream
	hin libhin.Server
	mkc libhot.MakeClient

	prv PreventLoop
	rqi RequireIdentity
	skp PortSet
}

func (o *inb) logger() liblog.Logger {
	if o.opt.Logger != nil {
		if l := o.opt.Logger(); l != nil {
			return l
		}
	}

	return liblog.New(context.Background())
}

func (o *inb) Watch() libdrn.Watch {
	return o.wtc
}

func (o *inb) Addr() libadr.Local[libadr.ServerAddr] {
	if o.stm == nil {
		return libadr.Local[libadr.ServerAddr]{}
	}

	return o.stm.Addr()
}

func (o *inb) Bind(ctx context.Context) liberr.Error {
	l, e := liblsn.New(o.cfg.Server, o.opt.Resolver, o.opt.Logger)
	if e != nil {
		return ErrorBindFailure.Error(e)
	}

	s, e := l.Bind(ctx)
	if e != nil {
		return ErrorBindFailure.Error(e)
	}

	o.lsn = l
	o.stm = s
	o.prv = NewPreventLoop(s.Addr().Addr.Port())

	o.mkc = libhot.New(o.cfg.Connect, o.prm, o.opt.Tap, o.opt.Logger)

	h, e := libhin.New(ctx, o.cfg.Proxy, o.mkc, o.opt.Profiles, o.wtc, o.prm, o.opt.Tap, o.opt.Logger)
	if e != nil {
		_ = s.Close()
		return e
	}

	o.hin = h

	return nil
}

func (o *inb) Serve(ctx context.Context) error {
	return libsrv.Serve(ctx, o.stm, libsrv.FuncFactory(o.newService), o.wtc.Signaled(), o.opt.Logger)
}

func (o *inb) Shutdown(ctx context.Context) error {
	o.sig.Signal()

	err := o.sig.Drained(ctx)

	if o.stm != nil {
		_ = o.stm.Close()
	}

	if o.hin != nil {
		_ = o.hin.Close()
	}

	return err
}

// newService is the per-connection factory handed to the serve loop.
func (o *inb) newService(addrs libadr.AcceptAddrs) (libstk.ConnService, error) {
	return libstk.Func(func(ctx context.Context, rwc io.ReadWriteCloser) (libstk.Void, error) {
		cnn, k := rwc.(net.Conn)
		if !k {
			return libstk.Void{}, ErrorParamEmpty.Error(nil)
		}

		return libstk.Void{}, o.serveConn(ctx, cnn, addrs.Proxy())
	}), nil
}

// serveConn runs the staged admission flow of one accepted connection:
// skip-ports, loop prevention, TLS, identity gating, HTTP detection, then
// the forwarder or the HTTP pipeline.
func (o *inb) serveConn(ctx context.Context, cnn net.Conn, addrs libadr.ProxyAddrs) error {
	o.prm.IncTransportOpen("tcp")
	defer o.prm.IncTransportClose("tcp")

	if o.skp.Contains(addrs.OrigDst.Port()) {
		return o.forward(ctx, cnn, addrs.OrigDst.AddrPort)
	}

	if o.prv.IsDirect(addrs) {
		return o.serveDirect(ctx, cnn, addrs)
	}

	return o.serveMesh(ctx, cnn, addrs)
}

// serveDirect is the alternate self-connection path: it only accepts the
// opaque transport header and never enters the HTTP router, so a connection
// looping back to this proxy can not recurse.
func (o *inb) serveDirect(ctx context.Context, cnn net.Conn, addrs libadr.ProxyAddrs) error {
	det := libdtc.New[libhdr.Header](
		libdtc.NewOpaque(),
		libhdr.PrefixLen+libhdr.MaxFrame,
		o.cfg.DetectProtocolTimeout.Time(),
		func() { o.prm.IncDetectFailure("opaque") },
	)

	hdr, inner, ok, err := det.Detect(cnn)

	if err != nil {
		o.refuse(cnn, addrs, ErrorDetectRefused.Error(err))
		return err
	}

	if !ok {
		e := ErrorNonOpaqueRefused.Error(nil)
		o.refuse(cnn, addrs, e)
		return e
	}

	dst := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), hdr.Port)

	return o.forward(ctx, inner, dst)
}

// serveMesh is the primary inbound path: TLS termination when a ClientHello
// shows up, identity gating, then HTTP detection branching to the request
// pipeline or the opaque forwarder.
func (o *inb) serveMesh(ctx context.Context, cnn net.Conn, addrs libadr.ProxyAddrs) error {
	var (
		tls = libidn.Passthrough()
		err error
	)

	cnn, tls, err = o.maybeTerminate(ctx, cnn)
	if err != nil {
		o.refuse(cnn, addrs, err)
		return err
	}

	if e := o.rqi.Check(addrs, tls); e != nil {
		o.prm.IncRefusal("identity_required")
		o.refuse(cnn, addrs, e)
		return e
	}

	det := libdtc.New[libdtc.Version](
		libdtc.NewHTTP(),
		libdtc.DefaultMaxPeek,
		o.cfg.DetectProtocolTimeout.Time(),
		func() { o.prm.IncDetectFailure("http") },
	)

	ver, inner, ok, err := det.Detect(cnn)

	if err != nil {
		o.refuse(cnn, addrs, ErrorDetectRefused.Error(err))
		return err
	}

	if !ok {
		// Not HTTP: opaque passthrough to the original destination.
		return o.forward(ctx, inner, addrs.OrigDst.AddrPort)
	}

	return o.hin.ServeConn(ctx, inner, libhin.ConnMeta{
		Addrs:   addrs,
		TLS:     tls,
		Version: ver,
	})
}

// maybeTerminate runs the TLS stage when identity material is loaded. A
// stream without a ClientHello passes through untouched.
func (o *inb) maybeTerminate(ctx context.Context, cnn net.Conn) (net.Conn, libidn.Status, error) {
	if o.trm == nil {
		return cnn, libidn.Passthrough(), nil
	}

	det := libdtc.New[libdtc.ClientHello](
		libdtc.NewTLS(),
		8,
		o.cfg.DetectProtocolTimeout.Time(),
		func() { o.prm.IncDetectFailure("tls") },
	)

	_, inner, ok, err := det.Detect(cnn)

	if err != nil {
		return inner, libidn.Passthrough(), ErrorDetectRefused.Error(err)
	}

	if !ok {
		return inner, libidn.Passthrough(), nil
	}

	dec, st, e := o.trm.Terminate(ctx, inner)
	if e != nil {
		return inner, libidn.Passthrough(), e
	}

	return dec, st, nil
}

// forward dials the destination and copies bytes both ways with half-close.
func (o *inb) forward(ctx context.Context, cnn net.Conn, dst netip.AddrPort) error {
	d := net.Dialer{
		Timeout:   o.cfg.Connect.Timeout.Time(),
		KeepAlive: o.cfg.Connect.Keepalive.Time(),
	}

	if d.KeepAlive == 0 {
		d.KeepAlive = -1
	}

	up, err := d.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		_ = cnn.Close()
		return ErrorForwardConnect.Error(err)
	}

	return libfwd.Forward(ctx, cnn, up)
}

// refuse logs the refusal diagnostic and closes the connection.
func (o *inb) refuse(cnn net.Conn, addrs libadr.ProxyAddrs, e error) {
	ent := o.logger().Entry(loglvl.WarnLevel, "refusing inbound connection")
	ent.FieldAdd("client", addrs.Client.Addr.String())
	ent.FieldAdd("orig_dst", addrs.OrigDst.String())
	ent.ErrorAdd(true, e)
	ent.Log()

	_ = cnn.Close()
}
