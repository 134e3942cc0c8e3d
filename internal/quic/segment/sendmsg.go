//go:build linux

package segment

import (
	"encoding/binary"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SendmsgGSO sends iovecs as a single sendmsg call against conn's raw
// file descriptor, attaching a UDP_SEGMENT control message when more
// than one iovec is present so the kernel splits the super-datagram
// into segmentLen-sized packets before transmission. It is not itself a
// SendFunc: to use it with Pool.SendWith, a caller binds conn, dst and
// segmentLen in a closure. Tests pass an in-memory SendFunc instead.
func SendmsgGSO(conn *net.UDPConn, dst *net.UDPAddr, segmentLen int, iovecs [][]byte) (int, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	sa, err := udpAddrToSockaddr(dst)
	if err != nil {
		return 0, err
	}

	var oob []byte
	if len(iovecs) > 1 {
		oob = appendUDPSegmentSizeCmsg(nil, uint16(segmentLen))
	}

	var n int
	var sendErr error
	ctrlErr := rawConn.Write(func(fd uintptr) bool {
		n, sendErr = unix.SendmsgN(int(fd), flatten(iovecs), oob, sa, 0)
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return n, sendErr
}

func flatten(iovecs [][]byte) []byte {
	total := 0
	for _, b := range iovecs {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range iovecs {
		out = append(out, b...)
	}
	return out
}

// appendUDPSegmentSizeCmsg appends a UDP_SEGMENT control message
// carrying the per-segment size to b, the cmsg kernel GSO expects
// alongside a multi-iovec sendmsg.
func appendUDPSegmentSizeCmsg(b []byte, size uint16) []byte {
	start := len(b)
	b = append(b, make([]byte, unix.CmsgSpace(2))...)
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[start]))
	h.Level = unix.IPPROTO_UDP
	h.Type = unix.UDP_SEGMENT
	h.SetLen(unix.CmsgLen(2))
	binary.LittleEndian.PutUint16(b[start+unix.CmsgLen(0):], size)
	return b
}

func udpAddrToSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, nil
}
