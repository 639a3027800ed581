package intelkit

import (
	"time"

	"go.uber.org/zap"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
	"github.com/y-oga-819/go-intelkit/internal/transport"
)

const (
	ProviderIntelligenceKit = "intelligencekit"
	ProviderNone            = "none"

	DefaultInstructions    = "You are a content analysis assistant. Follow the user's instructions precisely."
	DefaultCommandTimeout  = protocol.DefaultCommandTimeout
	DefaultShutdownGrace   = 3 * time.Second
	DefaultMaxContentChars = 7000

	// MaxTags は1回の生成で返すタグの上限
	MaxTags = 5

	TagsPrompt    = "Generate 3-5 topic tags (1-3 words each) that capture the main themes of this content. Return only the tags as a list."
	SummaryPrompt = "Summarize this content in one sentence (max 100 words) suitable for display in a list view."
)

// Options はクライアントの設定を表す
type Options struct {
	// サイドカー設定
	BinaryPath   string            // 実行ファイルのパス（空の場合は探索する）
	BinaryArgs   []string          // 追加の引数
	Env          map[string]string // 追加の環境変数
	StderrPrefix string            // stderr転送時の接頭辞

	// セッション設定
	Instructions string // open-sessionで渡す指示
	SkipPriming  bool   // 起動時にセッションを開かない

	// 制限設定
	CommandTimeout  time.Duration // 1コマンドの期限（デフォルト: 30秒）
	ShutdownGrace   time.Duration // shutdown後に終了を待つ時間（デフォルト: 3秒）
	MaxContentChars int           // これを超える本文は分割して処理する（バイト数）

	// Provider はOpenで使うプロバイダ名（"intelligencekit" または "none"）
	Provider string

	Logger *zap.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Instructions == "" {
		out.Instructions = DefaultInstructions
	}
	if out.CommandTimeout <= 0 {
		out.CommandTimeout = DefaultCommandTimeout
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = DefaultShutdownGrace
	}
	if out.MaxContentChars <= 0 {
		out.MaxContentChars = DefaultMaxContentChars
	}
	if out.StderrPrefix == "" {
		out.StderrPrefix = transport.DefaultStderrPrefix
	}
	if out.Provider == "" {
		out.Provider = ProviderIntelligenceKit
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}
