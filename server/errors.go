package server

import "errors"

var (
	// ErrListenerFailed 监听 socket 上报 error/hangup，reactor 无法继续接受连接。
	ErrListenerFailed = errors.New("server: listener failed")

	// ErrListenerWritable 监听 socket 上出现可写事件，属于逻辑错误。
	ErrListenerWritable = errors.New("server: writable event on listener")

	ErrInvalidConfig = errors.New("server: invalid config")

	ErrAlreadyRunning = errors.New("server: reactor already ran")

	ErrPlatformNotSupported = errors.New("server: platform not supported (requires epoll/kqueue)")

	// errDrained 让排空循环在无事可做时退出，不是错误。
	errDrained = errors.New("server: drained")
)
