package netutil

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetReusePort(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolInt(enable))
}

func SetReuseAddr(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(enable))
}

func SetNoDelay(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(enable))
}

func SetRecvBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

func SetSendBuf(fd int, n int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsWouldBlock 判断是否为非阻塞 IO 的 "稍后再试" 信号。
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsTemporaryAccept 判断 accept 失败是否只影响当前这一个连接。
func IsTemporaryAccept(err error) bool {
	return errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EPROTO) || errors.Is(err, unix.EPERM)
}

// Sockaddr 把 unix.Sockaddr 转为 net.TCPAddr。
func Sockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	}
	return nil
}
