//go:build linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// wakeToken 不会出现在 slab key 空间里（索引与代数同时为 MaxUint32-1）。
const wakeToken Token = 0xFFFFFFFE_FFFFFFFE

type epollPoller struct {
	efd    int
	wfd    int // eventfd for wakeup
	raw    []unix.EpollEvent
	closed bool
}

// New 创建 epoll poller，batch 为单次 Poll 最多取回的事件数。
func New(batch int) (Poller, error) {
	if batch <= 0 {
		batch = 1024
	}
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	p := &epollPoller{efd: efd, wfd: wfd, raw: make([]unix.EpollEvent, batch)}
	// 注册 wakeup fd
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET}
	setToken(&ev, wakeToken)
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, &ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, err
	}
	return p, nil
}

// token 拆在 Fd(低 32 位) 与 Pad(高 32 位) 中，内核原样回传 epoll_data。
func setToken(ev *unix.EpollEvent, tok Token) {
	ev.Fd = int32(uint32(tok))
	ev.Pad = int32(uint32(tok >> 32))
}

func getToken(ev *unix.EpollEvent) Token {
	return Token(uint32(ev.Fd)) | Token(uint32(ev.Pad))<<32
}

func epollFlags(in Interest) uint32 {
	var flag uint32 = unix.EPOLLET
	if in&Readable != 0 {
		flag |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		flag |= unix.EPOLLOUT
	}
	return flag
}

func (p *epollPoller) ctl(op int, fd FD, tok Token, in Interest) error {
	if p.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: epollFlags(in)}
	setToken(&ev, tok)
	return unix.EpollCtl(p.efd, op, fd, &ev)
}

func (p *epollPoller) Register(fd FD, tok Token, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, tok, in)
}

func (p *epollPoller) Reregister(fd FD, tok Token, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, tok, in)
}

func (p *epollPoller) Deregister(fd FD) error {
	if p.closed {
		return ErrClosed
	}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}

func (p *epollPoller) Poll(events []Event, timeout time.Duration) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	n, err := unix.EpollWait(p.efd, raw, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := &raw[i]
		tok := getToken(ev)
		if tok == wakeToken {
			p.drainWake()
			continue
		}
		var r Readiness
		if ev.Events&unix.EPOLLIN != 0 {
			r |= ReadReady
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r |= WriteReady
		}
		if ev.Events&unix.EPOLLERR != 0 {
			r |= ErrorReady
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			r |= HangupReady
		}
		events[out] = Event{Token: tok, Ready: r}
		out++
	}
	return out, nil
}

// 清空 eventfd
func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wfd, buf[:]); err != nil {
			return
		}
	}
}
