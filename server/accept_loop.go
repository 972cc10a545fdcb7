//go:build linux || darwin

package server

import (
	"github.com/legamerdc/gecho/internal/netutil"
	"github.com/legamerdc/gecho/poller"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// acceptConn 为 accept 系统调用入口，测试中可替换以注入失败。
var acceptConn = accept

// acceptAll 接受连接直到 EAGAIN。
// 只影响单个连接的失败跳过继续；其它失败记录后退出循环，监听 socket 保持打开。
func (r *Reactor) acceptAll() {
	err := untilWouldBlock(func() error {
		fd, sa, err := acceptConn(r.lfd)
		if err != nil {
			if netutil.IsTemporaryAccept(err) {
				r.stats.acceptErrors.Inc(1)
				r.log.Debug("accept: connection dropped before accept", zap.Error(err))
				return nil
			}
			return err
		}
		r.admit(fd, sa)
		return nil
	})
	if err != nil {
		r.stats.acceptErrors.Inc(1)
		r.log.Warn("accept failed", zap.Error(err))
	}
}

// admit 设置 socket 选项，登记到连接表并以只读关注注册到 poller。
func (r *Reactor) admit(fd int, sa unix.Sockaddr) {
	if r.cfg.NoDelay {
		_ = netutil.SetNoDelay(fd, true)
	}
	if r.cfg.SendBuf > 0 {
		_ = netutil.SetSendBuf(fd, r.cfg.SendBuf)
	}
	if r.cfg.RecvBuf > 0 {
		_ = netutil.SetRecvBuf(fd, r.cfg.RecvBuf)
	}
	c := &conn{fd: fd, interest: poller.Readable, out: newWriteQueue()}
	if peer := netutil.Sockaddr(sa); peer != nil {
		c.peer = peer.String()
	}
	key := r.conns.Insert(c)
	c.token = poller.Token(key)
	if err := r.poll.Register(fd, c.token, poller.Readable); err != nil {
		r.conns.Remove(key)
		unix.Close(fd)
		r.stats.acceptErrors.Inc(1)
		r.log.Warn("register accepted conn", zap.String("peer", c.peer), zap.Error(err))
		return
	}
	r.stats.accepted.Inc(1)
	r.stats.active.Update(int64(r.conns.Len()))
	if ce := r.log.Check(zap.DebugLevel, "conn open"); ce != nil {
		ce.Write(zap.Uint64("token", uint64(c.token)), zap.String("peer", c.peer),
			zap.Int("table_cap", r.conns.Cap()))
	}
}
