package transport

import (
	"errors"

	"go.uber.org/zap"
)

const (
	DefaultBinaryName   = "IntelligenceKit"
	DefaultStderrPrefix = "[IntelligenceKit]"
)

var (
	// 起動エラー（ErrBinaryNotFound / ErrNotExecutable はErrSpawnとしても判定できる）
	ErrSpawn          = errors.New("failed to spawn sidecar")
	ErrBinaryNotFound = errors.New("binary not found")
	ErrNotExecutable  = errors.New("binary is not executable")
)

// Config はサイドカープロセスの設定
type Config struct {
	BinaryPath   string            // 実行ファイルのパス
	Args         []string          // コマンドライン引数
	Env          map[string]string // 追加の環境変数
	CWD          string            // 作業ディレクトリ
	StderrPrefix string            // stderr転送時のログ接頭辞
	Logger       *zap.Logger

	// OnExit は終了を要求していないのにプロセスが終了したときに呼ばれる
	OnExit func(ProcessStatus)
}

// ProcessStatus はプロセスの終了状態
type ProcessStatus struct {
	ExitCode  int   // シグナルで終了した場合は-1
	Requested bool  // MarkStopping後の終了か
	Err       error // Waitが返したエラー
}
