//go:build linux || darwin

package server

import (
	"io"

	"github.com/legamerdc/gecho/internal/netutil"
	"github.com/legamerdc/gecho/poller"
	"golang.org/x/sys/unix"
)

// conn 为一个已接受的 TCP 对端。fd 由 conn 独占。
// interest 与 poller 中的注册保持一致：只读，或写队列非空时读写。
type conn struct {
	fd       int
	token    poller.Token
	interest poller.Interest
	out      writeQueue
	peer     string
}

// onReadable 把 socket 读到 would-block，每段数据原样回显。
// 返回非 nil 表示连接应被移除（io.EOF 为对端有序关闭）。
func (r *Reactor) onReadable(c *conn) error {
	err := untilWouldBlock(func() error {
		n, err := unix.Read(c.fd, r.scratch)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.EOF
		}
		r.stats.bytesRead.Inc(int64(n))
		return r.echo(c, r.scratch[:n])
	})
	if err == io.EOF && !c.out.empty() {
		// 对端只关了发送方向，关闭前尽力冲刷一次，写不出的丢弃
		_ = r.flush(c)
	}
	return err
}

// echo 先尝试立即写出；写不完的后缀拷贝进写队列并打开可写关注。
// 队列非空时不能插队，直接排到队尾。
func (r *Reactor) echo(c *conn, p []byte) error {
	if c.out.empty() {
		n, err := unix.Write(c.fd, p)
		if err != nil && err != unix.EINTR && !netutil.IsWouldBlock(err) {
			return err
		}
		if n > 0 {
			r.stats.bytesWritten.Inc(int64(n))
			p = p[n:]
		}
		if len(p) == 0 {
			return nil
		}
	}
	// p 指向共享读缓冲，必须拷贝后再交给队列
	buf := make([]byte, len(p))
	copy(buf, p)
	c.out.push(buf)
	r.stats.bytesQueued.Inc(int64(len(buf)))
	r.addPending(len(buf))
	return r.setInterest(c, poller.Readable|poller.Writable)
}

// onWritable 按序写出队列直到 would-block；队列清空后降回只读关注。
func (r *Reactor) onWritable(c *conn) error {
	if err := r.flush(c); err != nil {
		return err
	}
	if c.out.empty() {
		return r.setInterest(c, poller.Readable)
	}
	return nil
}

// flush 写出队首数据直到 would-block 或队列为空。部分写出时后缀留在队首。
func (r *Reactor) flush(c *conn) error {
	return untilWouldBlock(func() error {
		p := c.out.front()
		if p == nil {
			return errDrained
		}
		n, err := unix.Write(c.fd, p)
		if n > 0 {
			c.out.advance(n)
			r.stats.bytesWritten.Inc(int64(n))
			r.addPending(-n)
		}
		return err
	})
}

func (r *Reactor) setInterest(c *conn, in poller.Interest) error {
	if c.interest == in {
		return nil
	}
	if err := r.poll.Reregister(c.fd, c.token, in); err != nil {
		return err
	}
	c.interest = in
	return nil
}

func (r *Reactor) addPending(n int) {
	r.pending += int64(n)
	r.stats.pending.Update(r.pending)
}
