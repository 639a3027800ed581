package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchDebounce time.Duration
	watchExt      []string
)

var watchCmd = &cobra.Command{
	Use:   "watch DIR",
	Short: "Save files as gems whenever they are created or modified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "watching %s (Ctrl-C to stop)\n", args[0])

		w := &dirWatcher{
			dir:      args[0],
			debounce: watchDebounce,
			match:    extensionFilter(watchExt),
			logger:   logger.Named("watch"),
			handle: func(ctx context.Context, path string) {
				g, err := gemFromFile(path)
				if err == nil {
					g, err = a.service.Save(ctx, g)
				}
				if err != nil {
					logger.Warn("watch save failed", zap.String("path", path), zap.Error(err))
					return
				}
				fmt.Fprintf(out, "saved %s  %s\n", g.ID, path)
			},
		}
		err = w.Run(cmd.Context())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// dirWatcher はディレクトリ直下のファイル変更を監視し、
// 一定時間書き込みが止まったファイルごとにhandleを1回呼ぶ
type dirWatcher struct {
	dir      string
	debounce time.Duration
	match    func(path string) bool
	handle   func(ctx context.Context, path string)
	logger   *zap.Logger
}

// Run はctxが終わるまで監視を続ける。handleは監視ループと同じゴルーチンで呼ばれる。
func (w *dirWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	debounce := w.debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	tick := debounce / 5
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if w.match != nil && !w.match(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < debounce {
					continue
				}
				delete(pending, path)
				info, err := os.Stat(path)
				if err != nil || !info.Mode().IsRegular() {
					continue
				}
				w.logger.Debug("file changed", zap.String("path", path))
				w.handle(ctx, path)
			}
		}
	}
}

// extensionFilter は拡張子で対象ファイルを絞る。空なら隠しファイル以外すべて。
func extensionFilter(exts []string) func(string) bool {
	return func(path string) bool {
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
			return false
		}
		if len(exts) == 0 {
			return true
		}
		ext := strings.ToLower(filepath.Ext(base))
		for _, e := range exts {
			if ext == "."+strings.TrimPrefix(strings.ToLower(e), ".") {
				return true
			}
		}
		return false
	}
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Quiet period before a changed file is saved")
	watchCmd.Flags().StringSliceVar(&watchExt, "ext", []string{"md", "txt"}, "File extensions to pick up (empty for all)")
}
