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

//go:build linux

package origdst

import (
	"encoding/binary"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"

	libadr "github/sabouaram/meshproxy/address"
)

// soOriginalDst is option 80 on SOL_IP / SOL_IPV6, set by the netfilter
// REDIRECT / TPROXY machinery.
const soOriginalDst = 80

type sys struct{}

func (o *sys) OrigDst(conn *net.TCPConn) (libadr.OrigDstAddr, error) {
	if conn == nil {
		return libadr.OrigDstAddr{}, ErrorParamEmpty.Error(nil)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return libadr.OrigDstAddr{}, ErrorSyscall.Error(err)
	}

	var (
		adr libadr.OrigDstAddr
		rer error
	)

	err = raw.Control(func(fd uintptr) {
		adr, rer = getOriginalDst(int(fd))
	})

	if err != nil {
		return libadr.OrigDstAddr{}, ErrorSyscall.Error(err)
	}

	return adr, rer
}

func getOriginalDst(fd int) (libadr.OrigDstAddr, error) {
	// Try IPv4 first; v4-mapped sockets answer on SOL_IP too.
	var (
		sa4 unix.RawSockaddrInet4
		ln4 = uint32(unsafe.Sizeof(sa4))
	)

	if e := getsockopt(fd, unix.SOL_IP, soOriginalDst, unsafe.Pointer(&sa4), &ln4); e == nil {
		if sa4.Family == unix.AF_INET {
			ip := netip.AddrFrom4(sa4.Addr)
			return libadr.OrigDstAddr{AddrPort: netip.AddrPortFrom(ip, ntoh16(sa4.Port))}, nil
		}
	}

	var (
		sa6 unix.RawSockaddrInet6
		ln6 = uint32(unsafe.Sizeof(sa6))
	)

	if e := getsockopt(fd, unix.SOL_IPV6, soOriginalDst, unsafe.Pointer(&sa6), &ln6); e != nil {
		return libadr.OrigDstAddr{}, ErrorSyscall.Error(e)
	} else if sa6.Family != unix.AF_INET6 {
		return libadr.OrigDstAddr{}, ErrorFamily.Error(nil)
	} else {
		ip := netip.AddrFrom16(sa6.Addr)
		return libadr.OrigDstAddr{AddrPort: netip.AddrPortFrom(ip, ntoh16(sa6.Port))}, nil
	}
}

func getsockopt(fd, level, opt int, val unsafe.Pointer, ln *uint32) error {
	_, _, e := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(opt),
		uintptr(val),
		uintptr(unsafe.Pointer(ln)),
		0,
	)

	if e != 0 {
		return e
	}

	return nil
}

// ntoh16 translates a port stored in network byte order.
func ntoh16(p uint16) uint16 {
	b := make([]byte, 2)
	binary.NativeEndian.PutUint16(b, p)
	return binary.BigEndian.Uint16(b)
}
