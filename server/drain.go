//go:build linux || darwin

package server

import (
	"github.com/legamerdc/gecho/internal/netutil"
	"golang.org/x/sys/unix"
)

// untilWouldBlock 反复执行 op，直到它报告 would-block。
// 边缘触发下 accept/read/write 都必须这样排空，否则通知会丢失。
// EINTR 重试；errDrained 表示无事可做，正常返回；其它错误（含 io.EOF）原样返回。
func untilWouldBlock(op func() error) error {
	for {
		err := op()
		switch {
		case err == nil, err == unix.EINTR:
		case err == errDrained, netutil.IsWouldBlock(err):
			return nil
		default:
			return err
		}
	}
}
