package server

import (
	"github.com/eapache/queue"
)

// chunk 为写队列中的一段待发数据，off 之前的部分已写出。
type chunk struct {
	buf []byte
	off int
}

// writeQueue 为单连接的有序待发缓冲。
// 部分写出只推进队首 chunk 的 off，未写出的后缀始终留在队首。
type writeQueue struct {
	q     *queue.Queue
	bytes int
}

func newWriteQueue() writeQueue {
	return writeQueue{q: queue.New()}
}

// push 接管 p 的所有权，调用方之后不得再修改 p。
func (w *writeQueue) push(p []byte) {
	if len(p) == 0 {
		return
	}
	w.q.Add(&chunk{buf: p})
	w.bytes += len(p)
}

// front 返回队首未写出的字节；队列为空时返回 nil。
func (w *writeQueue) front() []byte {
	if w.q.Length() == 0 {
		return nil
	}
	c := w.q.Peek().(*chunk)
	return c.buf[c.off:]
}

// advance 标记队首的 n 个字节已写出，写完的 chunk 出队。
func (w *writeQueue) advance(n int) {
	for n > 0 && w.q.Length() > 0 {
		c := w.q.Peek().(*chunk)
		left := len(c.buf) - c.off
		if n < left {
			c.off += n
			w.bytes -= n
			return
		}
		w.q.Remove()
		w.bytes -= left
		n -= left
	}
}

func (w *writeQueue) empty() bool { return w.q.Length() == 0 }

// buffered 返回尚未写出的总字节数。
func (w *writeQueue) buffered() int { return w.bytes }

func (w *writeQueue) chunks() int { return w.q.Length() }

// reset 丢弃全部待发数据，返回丢弃的字节数。
func (w *writeQueue) reset() int {
	n := w.bytes
	w.q = queue.New()
	w.bytes = 0
	return n
}
