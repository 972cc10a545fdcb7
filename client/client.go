package client

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Handler 为客户端回调。OnData 的 p 在回调返回后会被复用，需要保留请拷贝。
type Handler interface {
	OnOpen(c *Client)
	OnData(c *Client, p []byte)
	OnClose(c *Client, err error)
}

// Client 为回显服务的字节流客户端，不做任何分帧。
type Client struct {
	conn net.Conn
	mu   sync.Mutex
	sent atomic.Int64
	recv atomic.Int64
	done chan struct{}
}

// Dial 建立连接并启动读循环。
func Dial(network, address string, h Handler) (*Client, error) {
	nc, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "client: dial %s", address)
	}
	c := &Client{conn: nc, done: make(chan struct{})}
	go h.OnOpen(c)
	go c.readLoop(h)
	return c, nil
}

func (c *Client) readLoop(h Handler) {
	defer close(c.done)
	buf := make([]byte, 64<<10)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.recv.Add(int64(n))
			h.OnData(c, buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			h.OnClose(c, err)
			return
		}
	}
}

// Write 写出全部 p，并发安全。
func (c *Client) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.conn.Write(p)
	c.sent.Add(int64(n))
	return err
}

// CloseWrite 关闭发送方向，服务端读到 EOF 后会关闭连接。
func (c *Client) CloseWrite() error {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return c.conn.Close()
}

func (c *Client) Close() error { return c.conn.Close() }

// Done 在读循环退出后关闭。
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Sent() int64 { return c.sent.Load() }

func (c *Client) Received() int64 { return c.recv.Load() }

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }
