package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/y-oga-819/go-intelkit/internal/gems"
	"github.com/y-oga-819/go-intelkit/intelkit"
)

// app はコマンドが使うプロバイダとストアを保持する
type app struct {
	provider intelkit.Provider
	store    *gems.Store
	service  *gems.Service
}

// openProvider はサイドカーを起動する。起動できない場合も利用不可のプロバイダを返す。
func openProvider(ctx context.Context) intelkit.Provider {
	return intelkit.Open(ctx, cfg.ClientOptions(logger))
}

// openApp はプロバイダとストアの両方を開く
func openApp(ctx context.Context) (*app, error) {
	store, err := gems.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	provider := openProvider(ctx)
	return &app{
		provider: provider,
		store:    store,
		service:  gems.NewService(store, provider, logger),
	}, nil
}

// Close はサイドカーを終了させてからストアを閉じる
func (a *app) Close() error {
	return errors.Join(closeProvider(a.provider), a.store.Close())
}

func closeProvider(p intelkit.Provider) error {
	if err := p.Close(); err != nil {
		logger.Warn("sidecar shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

// gemFromFile はファイルの内容からGemを作る。
// タイトルは最初の空でない行（Markdownの見出し記号は除く）で、無ければファイル名。
func gemFromFile(path string) (*gems.Gem, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	title := filepath.Base(abs)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			title = line
			break
		}
	}

	return &gems.Gem{
		SourceURL: "file://" + filepath.ToSlash(abs),
		Title:     title,
		Content:   content,
	}, nil
}

func readContent(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
