package gecho

import (
	"context"
	"time"

	"github.com/legamerdc/gecho/server"
	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
)

// Serve 启动 reactor 并阻塞到 ctx 取消或监听 socket 失效。
// 监听失效时返回的错误满足 errors.Is(err, ErrListenerFailed) 或 ErrListenerWritable。
func Serve(ctx context.Context, cfg Config, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	r, err := server.New(cfg.Server, log)
	if err != nil {
		return err
	}
	if cfg.Metrics.Interval > 0 {
		mctx, cancel := context.WithCancel(ctx)
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			reportMetrics(mctx, r.Registry(), cfg.Metrics.Interval, log)
		}()
		defer func() {
			cancel()
			<-stopped
		}()
	}
	return r.Run(ctx)
}

func reportMetrics(ctx context.Context, reg metrics.Registry, every time.Duration, log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Info("reactor metrics", metricFields(reg)...)
		}
	}
}

func metricFields(reg metrics.Registry) []zap.Field {
	var fields []zap.Field
	reg.Each(func(name string, m interface{}) {
		switch v := m.(type) {
		case metrics.Counter:
			fields = append(fields, zap.Int64(name, v.Count()))
		case metrics.Gauge:
			fields = append(fields, zap.Int64(name, v.Value()))
		}
	})
	return fields
}
