//go:build !linux && !darwin

package server

import (
	"context"
	"net"

	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"
)

// Reactor 在不支持 epoll/kqueue 的平台上不可用。
type Reactor struct{}

func New(cfg Config, log *zap.Logger) (*Reactor, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return nil, ErrPlatformNotSupported
}

func (r *Reactor) Addr() net.Addr                { return nil }
func (r *Reactor) Stats() Stats                  { return Stats{} }
func (r *Reactor) Registry() metrics.Registry    { return metrics.NewRegistry() }
func (r *Reactor) Run(ctx context.Context) error { return ErrPlatformNotSupported }
func (r *Reactor) Close() error                  { return nil }
