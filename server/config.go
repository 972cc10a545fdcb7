package server

import (
	"time"

	"github.com/pkg/errors"
)

// Config 为 reactor 启动时一次性给定的配置。
type Config struct {
	ListenNetwork string `toml:"network"` // tcp / tcp4 / tcp6
	ListenAddress string `toml:"address"`
	Backlog       int    `toml:"backlog"`
	ReusePort     bool   `toml:"reuse_port"`

	// ScratchSize 为进程级读缓冲大小，所有连接共用。
	ScratchSize     int `toml:"scratch_size"`
	InitialCapacity int `toml:"initial_capacity"` // 连接表初始容量，满了翻倍
	EventBatch      int `toml:"event_batch"`

	// PollTimeout <= 0 表示无限等待。
	PollTimeout time.Duration `toml:"poll_timeout"`

	NoDelay bool `toml:"no_delay"`
	SendBuf int  `toml:"send_buf"` // 0 使用内核默认
	RecvBuf int  `toml:"recv_buf"`
}

func DefaultConfig() Config {
	return Config{
		ListenNetwork:   "tcp",
		ListenAddress:   "0.0.0.0:8888",
		Backlog:         1000,
		ScratchSize:     64 << 10, // 64 KiB
		InitialCapacity: 128,
		EventBatch:      1024,
		NoDelay:         true,
	}
}

func (c *Config) normalize() error {
	def := DefaultConfig()
	if c.ListenNetwork == "" {
		c.ListenNetwork = def.ListenNetwork
	}
	switch c.ListenNetwork {
	case "tcp", "tcp4", "tcp6":
	default:
		return errors.Wrapf(ErrInvalidConfig, "network %q", c.ListenNetwork)
	}
	if c.ListenAddress == "" {
		return errors.Wrap(ErrInvalidConfig, "empty listen address")
	}
	if c.Backlog <= 0 {
		c.Backlog = def.Backlog
	}
	if c.ScratchSize <= 0 {
		c.ScratchSize = def.ScratchSize
	}
	if c.InitialCapacity <= 0 {
		c.InitialCapacity = def.InitialCapacity
	}
	if c.EventBatch <= 0 {
		c.EventBatch = def.EventBatch
	}
	if c.SendBuf < 0 || c.RecvBuf < 0 {
		return errors.Wrap(ErrInvalidConfig, "negative socket buffer size")
	}
	return nil
}

func (c *Config) pollTimeout() time.Duration {
	if c.PollTimeout <= 0 {
		return -1
	}
	return c.PollTimeout
}
