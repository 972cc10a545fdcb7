//go:build linux

package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/legamerdc/gecho/internal/slab"
	"github.com/legamerdc/gecho/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

type running struct {
	r      *Reactor
	cancel context.CancelFunc
	done   chan error
}

func startReactor(t *testing.T, mutate func(*Config)) *running {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rr := &running{r: r, cancel: cancel, done: make(chan error, 1)}
	go func() { rr.done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rr.done:
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop")
		}
	})
	return rr
}

func dial(t *testing.T, addr net.Addr) *net.TCPConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c.(*net.TCPConn)
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

func TestEchoHello(t *testing.T) {
	rr := startReactor(t, nil)
	c := dial(t, rr.r.Addr())

	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(readN(t, c, 5)))
}

func TestEchoManyWritesKeepOrder(t *testing.T) {
	rr := startReactor(t, nil)
	c := dial(t, rr.r.Addr())

	var want bytes.Buffer
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("msg-%03d;", i)
		want.WriteString(msg)
		_, err := c.Write([]byte(msg))
		require.NoError(t, err)
	}
	assert.Equal(t, want.String(), string(readN(t, c, want.Len())))
}

func TestEchoLargeBurstUnderBackpressure(t *testing.T) {
	rr := startReactor(t, func(cfg *Config) {
		cfg.SendBuf = 4096
	})
	c := dial(t, rr.r.Addr())

	payload := make([]byte, 1_000_000)
	rand.New(rand.NewSource(1)).Read(payload)

	werr := make(chan error, 1)
	go func() {
		_, err := c.Write(payload)
		werr <- err
	}()
	// 先不读，让服务端的发送方向堆积
	time.Sleep(100 * time.Millisecond)

	got := readN(t, c, len(payload))
	require.NoError(t, <-werr)
	assert.True(t, bytes.Equal(payload, got), "echoed bytes differ")

	st := rr.r.Stats()
	assert.Greater(t, st.BytesQueued, int64(0))
	assert.Eventually(t, func() bool {
		return rr.r.Stats().QueuePending == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(len(payload)), rr.r.Stats().BytesWritten)
}

func TestNoCrossTalk(t *testing.T) {
	rr := startReactor(t, nil)
	a := dial(t, rr.r.Addr())
	b := dial(t, rr.r.Addr())

	_, err := a.Write([]byte("foo"))
	require.NoError(t, err)
	_, err = b.Write([]byte("bar"))
	require.NoError(t, err)

	assert.Equal(t, "foo", string(readN(t, a, 3)))
	assert.Equal(t, "bar", string(readN(t, b, 3)))
}

func TestHalfCloseEchoesThenCloses(t *testing.T) {
	rr := startReactor(t, nil)
	c := dial(t, rr.r.Addr())

	_, err := c.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))

	assert.Eventually(t, func() bool {
		st := rr.r.Stats()
		return st.Closed == 1 && st.Active == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdmissionBeyondInitialCapacity(t *testing.T) {
	const clients = 200
	rr := startReactor(t, func(cfg *Config) {
		cfg.InitialCapacity = 128
	})

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := net.DialTimeout("tcp", rr.r.Addr().String(), 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			msg := []byte(fmt.Sprintf("client-%d", i))
			if _, err := c.Write(msg); err != nil {
				errs <- err
				return
			}
			_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(c, got); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(msg, got) {
				errs <- fmt.Errorf("client %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(clients), rr.r.Stats().Accepted)
}

func TestListenerHangupTerminates(t *testing.T) {
	rr := startReactor(t, nil)
	addr := rr.r.Addr().String()

	c := dial(t, rr.r.Addr())
	_, err := c.Write([]byte("ok"))
	require.NoError(t, err)
	readN(t, c, 2)

	require.NoError(t, unix.Shutdown(rr.r.lfd, unix.SHUT_RDWR))

	select {
	case err := <-rr.done:
		assert.ErrorIs(t, err, ErrListenerFailed)
		rr.done <- err // 留给 Cleanup
	case <-time.After(5 * time.Second):
		t.Fatal("reactor kept running after listener hangup")
	}

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)

	// 已有连接随 reactor 一起关闭
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCancelClosesConnections(t *testing.T) {
	rr := startReactor(t, nil)
	c := dial(t, rr.r.Addr())
	_, err := c.Write([]byte("a"))
	require.NoError(t, err)
	readN(t, c, 1)

	rr.cancel()
	select {
	case err := <-rr.done:
		assert.NoError(t, err)
		rr.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not stop on cancel")
	}
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(0), rr.r.Stats().Active)
}

func TestRunOnlyOnce(t *testing.T) {
	rr := startReactor(t, nil)
	// 等第一个 Run 真正进入事件循环
	c := dial(t, rr.r.Addr())
	_, err := c.Write([]byte("up"))
	require.NoError(t, err)
	readN(t, c, 2)
	require.True(t, rr.r.running.Load())

	assert.ErrorIs(t, rr.r.Run(context.Background()), ErrAlreadyRunning)
}

func newIdleReactor(t *testing.T) *Reactor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	r, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDispatchListenerConditions(t *testing.T) {
	r := newIdleReactor(t)

	err := r.dispatch(poller.Event{Token: listenerToken, Ready: poller.WriteReady})
	assert.ErrorIs(t, err, ErrListenerWritable)

	err = r.dispatch(poller.Event{Token: listenerToken, Ready: poller.ReadReady | poller.HangupReady})
	assert.ErrorIs(t, err, ErrListenerFailed)

	err = r.dispatch(poller.Event{Token: listenerToken, Ready: poller.ErrorReady})
	assert.ErrorIs(t, err, ErrListenerFailed)

	// kqueue 在监听 socket 上只给 EV_EOF
	err = r.dispatch(poller.Event{Token: listenerToken, Ready: poller.ReadReady | poller.EOFReady})
	assert.ErrorIs(t, err, ErrListenerFailed)
}

// adoptPair 把 socketpair 的一端当作已接受连接登记，返回 conn 与对端 fd。
func adoptPair(t *testing.T, r *Reactor) (*conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })
	require.NoError(t, unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	r.admit(fds[0], nil)
	var c *conn
	r.conns.Range(func(_ slab.Key, v *conn) bool {
		if v.fd == fds[0] {
			c = v
			return false
		}
		return true
	})
	require.NotNil(t, c)
	return c, fds[1]
}

func TestPartialWriteResumesInOrder(t *testing.T) {
	r := newIdleReactor(t)
	c, peer := adoptPair(t, r)

	big := bytes.Repeat([]byte("0123456789"), 50_000)
	require.NoError(t, r.echo(c, big))
	require.False(t, c.out.empty(), "socket took everything; buffer too large for this test")
	assert.Equal(t, poller.Readable|poller.Writable, c.interest)

	// 队列非空时后到的数据必须排在后面
	require.NoError(t, r.echo(c, []byte("TAIL")))
	want := append(append([]byte(nil), big...), "TAIL"...)

	var got []byte
	buf := make([]byte, 64<<10)
	for i := 0; len(got) < len(want) && i < 100_000; i++ {
		n, err := unix.Read(peer, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		} else if err != nil && err != unix.EAGAIN {
			t.Fatal(err)
		}
		require.NoError(t, r.onWritable(c))
	}
	assert.True(t, bytes.Equal(want, got))
	assert.True(t, c.out.empty())
	assert.Equal(t, poller.Readable, c.interest)
	assert.Equal(t, int64(0), r.Stats().QueuePending)
}

func TestReadPathEOFRemovesConnection(t *testing.T) {
	r := newIdleReactor(t)
	c, peer := adoptPair(t, r)

	_, err := unix.Write(peer, []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))

	require.NoError(t, r.dispatch(poller.Event{Token: c.token, Ready: poller.ReadReady}))
	assert.Equal(t, 0, r.conns.Len())

	buf := make([]byte, 8)
	n, _ := unix.Read(peer, buf)
	assert.Equal(t, "bye", string(buf[:n]))

	// 同一 token 的后续事件被忽略
	assert.NoError(t, r.dispatch(poller.Event{Token: c.token, Ready: poller.ReadReady | poller.WriteReady}))
	assert.Equal(t, int64(1), r.Stats().Closed)
}

func TestHangupEventDropsQueue(t *testing.T) {
	r := newIdleReactor(t)
	c, _ := adoptPair(t, r)

	require.NoError(t, r.echo(c, bytes.Repeat([]byte{'q'}, 500_000)))
	require.Greater(t, r.Stats().QueuePending, int64(0))

	require.NoError(t, r.dispatch(poller.Event{Token: c.token, Ready: poller.HangupReady | poller.ReadReady}))
	assert.Equal(t, 0, r.conns.Len())
	assert.Equal(t, int64(0), r.Stats().QueuePending)
}

func TestStaleTokenAfterSlotReuse(t *testing.T) {
	r := newIdleReactor(t)
	old, _ := adoptPair(t, r)
	r.remove(old.token, nil)

	fresh, _ := adoptPair(t, r)
	assert.NotEqual(t, old.token, fresh.token)

	// 旧 token 的失败事件不能误关新连接
	require.NoError(t, r.dispatch(poller.Event{Token: old.token, Ready: poller.ErrorReady}))
	assert.Equal(t, 1, r.conns.Len())
}

func TestWritableAfterPeerCloseRemovesConnection(t *testing.T) {
	r := newIdleReactor(t)
	c, peer := adoptPair(t, r)

	require.NoError(t, r.echo(c, bytes.Repeat([]byte{'w'}, 500_000)))
	require.False(t, c.out.empty())
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_RDWR))

	// 对端不再接收，写出返回 EPIPE
	require.NoError(t, r.dispatch(poller.Event{Token: c.token, Ready: poller.WriteReady}))
	assert.Equal(t, 0, r.conns.Len())
	assert.Equal(t, int64(1), r.Stats().Closed)
	assert.Equal(t, int64(0), r.Stats().QueuePending)
}

func TestEchoAfterPeerCloseRemovesConnection(t *testing.T) {
	r := newIdleReactor(t)
	c, _ := adoptPair(t, r)
	other, peer := adoptPair(t, r)
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_RDWR))

	// 读路径上的立即写失败同样移除连接，不影响其他连接
	assert.Error(t, r.echo(other, []byte("late")))
	r.remove(other.token, nil)
	assert.Equal(t, 1, r.conns.Len())
	_, ok := r.conns.Get(slab.Key(c.token))
	assert.True(t, ok)
}

func TestAcceptFailuresKeepListenerOpen(t *testing.T) {
	r := newIdleReactor(t)

	failures := []error{unix.ECONNABORTED, unix.EMFILE}
	acceptConn = func(lfd int) (int, unix.Sockaddr, error) {
		if len(failures) == 0 {
			return accept(lfd)
		}
		err := failures[0]
		failures = failures[1:]
		return -1, nil, err
	}
	// ECONNABORTED 跳过继续，EMFILE 结束本轮
	r.acceptAll()
	acceptConn = accept
	assert.Empty(t, failures)
	assert.Equal(t, int64(2), r.Stats().AcceptErrors)
	assert.Equal(t, int64(0), r.Stats().Accepted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	c := dial(t, r.Addr())
	_, err := c.Write([]byte("still here"))
	require.NoError(t, err)
	assert.Equal(t, "still here", string(readN(t, c, 10)))
}
