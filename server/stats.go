package server

import (
	metrics "github.com/rcrowley/go-metrics"
)

// Stats 为 reactor 指标的只读快照。
type Stats struct {
	Accepted     int64
	AcceptErrors int64
	Closed       int64
	Active       int64
	BytesRead    int64
	BytesWritten int64
	BytesQueued  int64 // 进入写队列的累计字节
	QueuePending int64 // 当前尚未写出的字节
}

// counters 由 reactor 线程更新；go-metrics 内部为原子操作，可从其他 goroutine 读取。
type counters struct {
	registry     metrics.Registry
	accepted     metrics.Counter
	acceptErrors metrics.Counter
	closed       metrics.Counter
	bytesRead    metrics.Counter
	bytesWritten metrics.Counter
	bytesQueued  metrics.Counter
	active       metrics.Gauge
	pending      metrics.Gauge
}

func newCounters(r metrics.Registry) *counters {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &counters{
		registry:     r,
		accepted:     metrics.GetOrRegisterCounter("conns.accepted", r),
		acceptErrors: metrics.GetOrRegisterCounter("accept.errors", r),
		closed:       metrics.GetOrRegisterCounter("conns.closed", r),
		bytesRead:    metrics.GetOrRegisterCounter("bytes.read", r),
		bytesWritten: metrics.GetOrRegisterCounter("bytes.written", r),
		bytesQueued:  metrics.GetOrRegisterCounter("bytes.queued", r),
		active:       metrics.GetOrRegisterGauge("conns.active", r),
		pending:      metrics.GetOrRegisterGauge("queue.pending", r),
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:     c.accepted.Count(),
		AcceptErrors: c.acceptErrors.Count(),
		Closed:       c.closed.Count(),
		Active:       c.active.Value(),
		BytesRead:    c.bytesRead.Count(),
		BytesWritten: c.bytesWritten.Count(),
		BytesQueued:  c.bytesQueued.Count(),
		QueuePending: c.pending.Value(),
	}
}
