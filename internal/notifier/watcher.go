package notifier

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"nets-observer/internal/artifact"
)

const defaultDebounce = 75 * time.Millisecond

// fired 是一次到期的合并定时器，seq 用于识别已被后续事件取代的定时器。
type fired struct {
	path string
	seq  uint64
}

type pendingTimer struct {
	timer *time.Timer
	seq   uint64
}

// Run 监听状态文件所在目录以及 trace、欺诈证明目录树，直到 ctx 结束。
// 同一路径的连续事件在 debounce 窗口内合并为一次处理。
// 启动时不存在的根目录先监听最近的已存在祖先，出现后再加入整棵树。
func (n *Notifier) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if statePath := n.store.StatePath(); statePath != "" {
		n.watchDir(watcher, filepath.Dir(statePath))
	}
	var roots []string
	for _, root := range []string{n.store.TracesDir(), n.store.FraudDir()} {
		if root != "" {
			roots = append(roots, root)
			n.watchRoot(watcher, root)
		}
	}
	if n.onReady != nil {
		n.onReady()
	}

	var (
		seq     uint64
		pending = make(map[string]pendingTimer)
		due     = make(chan fired)
	)
	defer func() {
		for _, p := range pending {
			p.timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			n.logger.Warn("watcher error", slog.Any("error", err))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			path := n.onFSEvent(watcher, ev, roots)
			if path == "" {
				continue
			}
			if p, ok := pending[path]; ok {
				p.timer.Stop()
			}
			seq++
			f := fired{path: path, seq: seq}
			pending[path] = pendingTimer{
				seq: seq,
				timer: time.AfterFunc(n.debounce, func() {
					select {
					case due <- f:
					case <-ctx.Done():
					}
				}),
			}
		case f := <-due:
			if p, ok := pending[f.path]; !ok || p.seq != f.seq {
				continue
			}
			delete(pending, f.path)
			n.Handle(ctx, f.path)
		}
	}
}

// onFSEvent 维护监听集合，并返回需要处理的路径；无需处理时返回空串。
func (n *Notifier) onFSEvent(watcher *fsnotify.Watcher, ev fsnotify.Event, roots []string) string {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return ""
	}
	path := filepath.Clean(ev.Name)
	if artifact.IsTemp(path) {
		return ""
	}
	kind := n.Classify(path)

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if kind == EventTrace || kind == EventFraud {
				n.watchTree(watcher, path)
			}
			for _, root := range roots {
				if path != root && artifact.Within(path, root) {
					n.watchRoot(watcher, root)
				}
			}
			return ""
		}
	}
	// 祖先目录与状态目录下的其他文件与观察无关。
	if kind == EventChange {
		return ""
	}
	return path
}

// watchRoot 监听 root 整棵树；root 尚不存在时监听最近的已存在祖先。
func (n *Notifier) watchRoot(watcher *fsnotify.Watcher, root string) {
	if info, err := os.Stat(root); err == nil && info.IsDir() {
		n.watchTree(watcher, root)
		return
	}
	for dir := filepath.Dir(root); ; {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			n.watchDir(watcher, dir)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func (n *Notifier) watchDir(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		n.logger.Warn("watch directory failed", slog.String("dir", dir), slog.Any("error", err))
	}
}

func (n *Notifier) watchTree(watcher *fsnotify.Watcher, root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			n.watchDir(watcher, path)
		}
		return nil
	})
	if err != nil {
		n.logger.Warn("walk watch tree failed", slog.String("root", root), slog.Any("error", err))
	}
}
