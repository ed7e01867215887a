package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher 监视配置文件变化并触发热重载
type Watcher struct {
	path     string
	logger   *logrus.Logger
	onReload func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher 创建配置文件监视器
// 参数:
//   - path: 配置文件路径
//   - logger: 日志记录器
//   - onReload: 重新加载成功后的回调
func NewWatcher(path string, logger *logrus.Logger, onReload func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
	}
}

// Start 开始监听配置文件所在目录
// 编辑器保存时通常是先写临时文件再重命名，所以监听目录而不是文件本身
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// 只处理写入和创建事件
				if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
					// 检查是否是我们监听的文件
					if filepath.Base(event.Name) == filepath.Base(w.path) {
						w.reload()
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.WithError(err).Warn("配置监视器错误")
			}
		}
	}()

	w.logger.WithField("path", w.path).Info("配置热重载已启用")
	return nil
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Warn("配置重新加载失败，保留当前配置")
		return
	}
	w.logger.WithField("path", w.path).Info("配置文件已变更，重新加载完成")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop 停止文件监听
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
}
