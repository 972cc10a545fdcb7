package poller

import (
	"errors"
	"strings"
	"time"
)

// FD 表示文件描述符。
type FD = int

// Token 是注册时携带的不透明标识，事件按 Token 分发。
// 不能由 fd 推导：fd 会被内核复用。
type Token uint64

// Interest 是注册关心的就绪类型位图。
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "r"
	case Writable:
		return "w"
	case Readable | Writable:
		return "rw"
	}
	return "-"
}

// Readiness 是单个事件上报的就绪位图。Error/Hangup 优先于读写处理。
type Readiness uint8

const (
	ReadReady Readiness = 1 << iota
	WriteReady
	ErrorReady
	HangupReady
	// EOFReady 表示对端不再发送（kqueue EV_EOF）。连接上仍以读到 0 为准，
	// 监听 socket 上视为失效。
	EOFReady
)

func (r Readiness) Readable() bool { return r&ReadReady != 0 }
func (r Readiness) Writable() bool { return r&WriteReady != 0 }

// Failed 报告事件是否携带 error 或 hangup。
func (r Readiness) Failed() bool { return r&(ErrorReady|HangupReady) != 0 }

// EOF 报告事件是否携带对端结束标记。
func (r Readiness) EOF() bool { return r&EOFReady != 0 }

func (r Readiness) String() string {
	var parts []string
	if r&ReadReady != 0 {
		parts = append(parts, "read")
	}
	if r&WriteReady != 0 {
		parts = append(parts, "write")
	}
	if r&ErrorReady != 0 {
		parts = append(parts, "error")
	}
	if r&HangupReady != 0 {
		parts = append(parts, "hup")
	}
	if r&EOFReady != 0 {
		parts = append(parts, "eof")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Event 是 Poll 返回的一条就绪事件。
type Event struct {
	Token Token
	Ready Readiness
}

var ErrClosed = errors.New("poller: closed")

// Poller 为边缘触发的就绪通知封装。
// 一次就绪转换只上报一次：调用方必须把对应操作做到 would-block 再回到 Poll。
type Poller interface {
	Register(fd FD, tok Token, in Interest) error
	Reregister(fd FD, tok Token, in Interest) error
	Deregister(fd FD) error
	// Poll 阻塞直到有事件或超时，把事件写入 events 并返回数量。
	// timeout < 0 表示无限等待。Wake 造成的返回不计入事件。
	Poll(events []Event, timeout time.Duration) (int, error)
	Wake() error
	Close() error
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	return int(ms)
}
