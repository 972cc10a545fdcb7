package gecho

import "github.com/legamerdc/gecho/server"

var (
	// ErrListenerFailed Serve 因监听 socket error/hangup 退出
	ErrListenerFailed = server.ErrListenerFailed

	// ErrListenerWritable Serve 因监听 socket 上不可能的可写事件退出
	ErrListenerWritable = server.ErrListenerWritable

	// ErrPlatformNotSupported 非 Linux/Darwin 平台
	ErrPlatformNotSupported = server.ErrPlatformNotSupported
)
