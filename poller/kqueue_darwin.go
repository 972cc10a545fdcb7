//go:build darwin

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	wfd    int // 写端，用于唤醒
	rfd    int // 读端，注册到 kqueue
	raw    []unix.Kevent_t
	tokens map[FD]Token // Udata 是指针，token 放在 map 里
	closed bool
}

func New(batch int) (Poller, error) {
	if batch <= 0 {
		batch = 1024
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	// 使用管道作为唤醒
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	rfd, wfd := p[0], p[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	kev := unix.Kevent_t{
		Ident:  uint64(rfd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, err
	}
	return &kqueuePoller{
		kq:     kq,
		wfd:    wfd,
		rfd:    rfd,
		raw:    make([]unix.Kevent_t, batch),
		tokens: make(map[FD]Token),
	}, nil
}

// 两个 filter 都注册，不需要的用 EV_DISABLE，避免 EV_DELETE 不存在时报 ENOENT。
func (p *kqueuePoller) apply(fd FD, in Interest) error {
	rd := uint16(unix.EV_ADD | unix.EV_CLEAR | unix.EV_DISABLE)
	if in&Readable != 0 {
		rd = unix.EV_ADD | unix.EV_CLEAR | unix.EV_ENABLE
	}
	wr := uint16(unix.EV_ADD | unix.EV_CLEAR | unix.EV_DISABLE)
	if in&Writable != 0 {
		wr = unix.EV_ADD | unix.EV_CLEAR | unix.EV_ENABLE
	}
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: rd},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: wr},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Register(fd FD, tok Token, in Interest) error {
	if p.closed {
		return ErrClosed
	}
	if err := p.apply(fd, in); err != nil {
		return err
	}
	p.tokens[fd] = tok
	return nil
}

func (p *kqueuePoller) Reregister(fd FD, tok Token, in Interest) error {
	if p.closed {
		return ErrClosed
	}
	p.tokens[fd] = tok
	return p.apply(fd, in)
}

func (p *kqueuePoller) Deregister(fd FD) error {
	if p.closed {
		return ErrClosed
	}
	delete(p.tokens, fd)
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Wake() error {
	var b [1]byte
	b[0] = 1
	_, err := unix.Write(p.wfd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Poll(events []Event, timeout time.Duration) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := &raw[i]
		fd := int(ev.Ident)
		if fd == p.rfd {
			var buf [16]byte
			for {
				if _, rerr := unix.Read(p.rfd, buf[:]); rerr != nil {
					break
				}
			}
			continue
		}
		tok, ok := p.tokens[fd]
		if !ok {
			continue
		}
		var r Readiness
		switch ev.Filter {
		case unix.EVFILT_READ:
			// EV_EOF 时缓冲区里可能还有数据，连接交给读循环读到 0 再关闭
			r = ReadReady
			if ev.Flags&unix.EV_EOF != 0 {
				r |= EOFReady
			}
		case unix.EVFILT_WRITE:
			r = WriteReady
			// 写方向 EOF：对端已不可达
			if ev.Flags&unix.EV_EOF != 0 {
				r |= HangupReady
			}
		}
		if ev.Flags&unix.EV_ERROR != 0 || (ev.Flags&unix.EV_EOF != 0 && ev.Fflags != 0) {
			r |= ErrorReady
		}
		events[out] = Event{Token: tok, Ready: r}
		out++
	}
	return out, nil
}
