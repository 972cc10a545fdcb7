//go:build linux || darwin

package server

import (
	"net"

	"github.com/legamerdc/gecho/internal/netutil"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// openListener 创建非阻塞监听 socket 并返回实际绑定的地址（端口 0 时由内核分配）。
func openListener(cfg *Config) (int, *net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr(cfg.ListenNetwork, cfg.ListenAddress)
	if err != nil {
		return -1, nil, errors.Wrapf(err, "server: resolve %s", cfg.ListenAddress)
	}
	fam := unix.AF_INET
	if cfg.ListenNetwork == "tcp6" || (addr.IP != nil && addr.IP.To4() == nil) {
		fam = unix.AF_INET6
	}
	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, nil, errors.Wrap(err, "server: socket")
	}
	unix.CloseOnExec(fd)
	_ = netutil.SetReuseAddr(fd, true)
	if cfg.ReusePort {
		_ = netutil.SetReusePort(fd, true)
	}
	if err := netutil.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrap(err, "server: set nonblock")
	}
	var sa unix.Sockaddr
	if fam == unix.AF_INET6 {
		var sa6 unix.SockaddrInet6
		if addr.IP != nil {
			copy(sa6.Addr[:], addr.IP.To16())
		}
		sa6.Port = addr.Port
		sa = &sa6
	} else {
		var sa4 unix.SockaddrInet4
		if addr.IP != nil {
			copy(sa4.Addr[:], addr.IP.To4())
		}
		sa4.Port = addr.Port
		sa = &sa4
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrapf(err, "server: bind %s", cfg.ListenAddress)
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrap(err, "server: listen")
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, errors.Wrap(err, "server: getsockname")
	}
	return fd, netutil.Sockaddr(bound), nil
}
