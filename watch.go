package gecho

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/legamerdc/gecho/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WatchConfig 监视配置文件，[log] level 变化时实时调整 level。
// 其余字段只在启动时生效。阻塞到 ctx 取消。
func WatchConfig(ctx context.Context, path string, level zap.AtomicLevel, log *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "gecho: create watcher")
	}
	defer w.Close()

	// 监视目录：编辑器常以 rename 方式替换文件
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "gecho: watch %s", path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				log.Warn("config reload failed", zap.Error(err))
				continue
			}
			next := logger.ParseLevel(cfg.Log.Level)
			if next != level.Level() {
				log.Info("log level changed", zap.Stringer("from", level.Level()), zap.Stringer("to", next))
				level.SetLevel(next)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher", zap.Error(err))
		}
	}
}
