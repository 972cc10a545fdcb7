package logger

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 为日志配置。Dir 为空时只输出到 stdout。
type Config struct {
	Level      string `toml:"level"`
	Dir        string `toml:"dir"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxAge     int    `toml:"max_age"` // 天
	MaxBackups int    `toml:"max_backups"`
	Stdout     bool   `toml:"stdout"`
}

func DefaultConfig() Config {
	return Config{
		Level:     "info",
		File:      "gecho.log",
		MaxSizeMB: 100,
		MaxAge:    7,
		Stdout:    true,
	}
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// ParseLevel 未知级别回退到 info。
func ParseLevel(lvl string) zapcore.Level {
	if level, ok := levelMap[strings.ToLower(strings.TrimSpace(lvl))]; ok {
		return level
	}
	return zapcore.InfoLevel
}

func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// New 按配置构造 logger，返回的 AtomicLevel 可在运行中调整级别。
func New(cfg Config) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	encoder := zap.NewProductionEncoderConfig()
	encoder.EncodeTime = TimeEncoder

	var sinks []zapcore.WriteSyncer
	if cfg.Dir != "" {
		name := cfg.File
		if name == "" {
			name = DefaultConfig().File
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, name),
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		}))
	}
	if cfg.Stdout || len(sinks) == 0 {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoder), zap.CombineWriteSyncers(sinks...), level)
	return zap.New(core, zap.AddCaller()), level
}
