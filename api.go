package gecho

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/legamerdc/gecho/logger"
	"github.com/legamerdc/gecho/server"
	"github.com/pkg/errors"
)

// Config 为进程配置，对应 TOML 的 [server] [log] [metrics] 三节。
type Config struct {
	Server  server.Config `toml:"server"`
	Log     logger.Config `toml:"log"`
	Metrics struct {
		// Interval 为 0 时不输出指标
		Interval time.Duration `toml:"interval"`
	} `toml:"metrics"`
}

// DefaultConfig 提供一组可工作的默认值
func DefaultConfig() Config {
	return Config{
		Server: server.DefaultConfig(),
		Log:    logger.DefaultConfig(),
	}
}

// LoadConfig 在默认值之上叠加 TOML 文件中出现的字段。
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), errors.Wrapf(err, "gecho: load config %s", path)
	}
	cfg, err := parseConfig(string(data))
	if err != nil {
		return cfg, errors.Wrapf(err, "gecho: load config %s", path)
	}
	return cfg, nil
}

func parseConfig(str string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(str, &cfg); err != nil {
		return cfg, errors.Wrap(err, "gecho: parse config")
	}
	return cfg, nil
}
