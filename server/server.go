//go:build linux || darwin

package server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/legamerdc/gecho/internal/slab"
	"github.com/legamerdc/gecho/poller"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// listenerToken 为监听 socket 的保留 token，slab 的 key 空间到不了这里。
const listenerToken = poller.Token(^uint64(0))

// Reactor 是单线程、非阻塞的 TCP 回显事件循环。
// 监听 socket、连接表与所有写队列只在 Run 所在的 goroutine 中访问。
type Reactor struct {
	cfg  Config
	log  *zap.Logger
	poll poller.Poller
	lfd  int
	addr *net.TCPAddr

	conns   *slab.Table[*conn]
	events  []poller.Event
	scratch []byte // 进程级读缓冲，不按连接分配
	pending int64

	stats *counters

	running   atomic.Bool
	mu        sync.Mutex // 保护 closed，Wake 可能来自其他 goroutine
	closed    bool
	closeOnce sync.Once
}

// New 打开监听 socket 与 poller，但不开始事件循环。
func New(cfg Config, log *zap.Logger) (*Reactor, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	lfd, addr, err := openListener(&cfg)
	if err != nil {
		return nil, err
	}
	p, err := poller.New(cfg.EventBatch)
	if err != nil {
		unix.Close(lfd)
		return nil, errors.Wrap(err, "server: create poller")
	}
	if err := p.Register(lfd, listenerToken, poller.Readable); err != nil {
		p.Close()
		unix.Close(lfd)
		return nil, errors.Wrap(err, "server: register listener")
	}
	r := &Reactor{
		cfg:     cfg,
		log:     log,
		poll:    p,
		lfd:     lfd,
		addr:    addr,
		conns:   slab.New[*conn](cfg.InitialCapacity),
		events:  make([]poller.Event, cfg.EventBatch),
		scratch: make([]byte, cfg.ScratchSize),
		stats:   newCounters(nil),
	}
	return r, nil
}

// Addr 返回实际监听地址。
func (r *Reactor) Addr() net.Addr { return r.addr }

// Stats 可在任意 goroutine 调用。
func (r *Reactor) Stats() Stats { return r.stats.snapshot() }

// Registry 暴露指标注册表，用于周期输出。
func (r *Reactor) Registry() metrics.Registry { return r.stats.registry }

// Run 执行事件循环直到 ctx 取消（返回 nil）或监听 socket 失效（返回
// ErrListenerFailed / ErrListenerWritable）。返回前关闭全部连接、监听 socket 与 poller。
// 每个 Reactor 只能 Run 一次。
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.Close()
	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	r.log.Info("reactor started", zap.Stringer("addr", r.addr),
		zap.Int("initial_capacity", r.cfg.InitialCapacity), zap.Int("scratch", r.cfg.ScratchSize))

	timeout := r.cfg.pollTimeout()
	for {
		if ctx.Err() != nil {
			r.log.Info("reactor stopped", zap.Int("conns", r.conns.Len()))
			return nil
		}
		n, err := r.poll.Poll(r.events, timeout)
		if err != nil {
			return errors.Wrap(err, "server: poll")
		}
		for i := 0; i < n; i++ {
			if err := r.dispatch(r.events[i]); err != nil {
				r.log.Error("listener unusable, reactor terminating", zap.Error(err))
				return err
			}
		}
	}
}

// dispatch 按 token 分发单个事件。只有监听 socket 的失败会返回错误。
func (r *Reactor) dispatch(ev poller.Event) error {
	if ev.Token == listenerToken {
		switch {
		case ev.Ready.Failed(), ev.Ready.EOF():
			return errors.Wrapf(ErrListenerFailed, "readiness %s", ev.Ready)
		case ev.Ready.Writable():
			return ErrListenerWritable
		case ev.Ready.Readable():
			r.acceptAll()
		}
		return nil
	}

	c, ok := r.conns.Get(slab.Key(ev.Token))
	if !ok {
		// 槽位已释放或被复用，事件过期
		return nil
	}
	if ev.Ready.Failed() {
		r.remove(ev.Token, errors.Errorf("poller reported %s", ev.Ready))
		return nil
	}
	// 关闭放在读写处理返回之后，处理过程中不移除表项
	if ev.Ready.Readable() {
		if err := r.onReadable(c); err != nil {
			r.remove(ev.Token, err)
			return nil
		}
	}
	if ev.Ready.Writable() {
		if err := r.onWritable(c); err != nil {
			r.remove(ev.Token, err)
		}
	}
	return nil
}

// remove 注销、关闭 socket、丢弃写队列并释放槽位。队列中的数据不再冲刷。
func (r *Reactor) remove(tok poller.Token, cause error) {
	c, ok := r.conns.Remove(slab.Key(tok))
	if !ok {
		return
	}
	_ = r.poll.Deregister(c.fd)
	unix.Close(c.fd)
	dropped := c.out.reset()
	if dropped > 0 {
		r.addPending(-dropped)
	}
	r.stats.closed.Inc(1)
	r.stats.active.Update(int64(r.conns.Len()))
	if ce := r.log.Check(zap.DebugLevel, "conn closed"); ce != nil {
		if cause == io.EOF {
			cause = nil
		}
		ce.Write(zap.Uint64("token", uint64(tok)), zap.String("peer", c.peer),
			zap.Int("dropped", dropped), zap.Error(cause))
	}
}

func (r *Reactor) wake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		_ = r.poll.Wake()
	}
}

// Close 释放全部资源。Run 返回时会自动调用；不要在 Run 执行期间从其他 goroutine 调用，
// 停止运行中的 reactor 应取消传给 Run 的 ctx。
func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		r.conns.Range(func(k slab.Key, _ *conn) bool {
			r.remove(poller.Token(k), nil)
			return true
		})
		_ = r.poll.Deregister(r.lfd)
		err = unix.Close(r.lfd)
		if perr := r.poll.Close(); err == nil {
			err = perr
		}
	})
	return err
}
