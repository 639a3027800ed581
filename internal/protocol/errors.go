package protocol

import (
	"errors"
	"fmt"
)

var (
	// チャネルエラー
	ErrTimeout       = errors.New("command timed out")
	ErrChannelClosed = errors.New("command channel closed")
	ErrChannelBroken = errors.New("command channel broken by incomplete write")
	ErrStreamClosed  = errors.New("sidecar output stream closed")

	// プロトコルエラー
	ErrMalformed = errors.New("malformed protocol line")

	// ErrSessionNotFound はセッション期限切れ（"session_not_found"）を表す
	ErrSessionNotFound = errors.New("session_not_found")
)

// RemoteError はok:falseの応答をエラーとして表す
type RemoteError struct {
	Command string // 失敗したコマンド名
	Message string // サイドカーが返したerror文字列
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: sidecar error: %s", e.Command, e.Message)
}

// Is はsession_not_foundの場合にErrSessionNotFoundと一致させる
func (e *RemoteError) Is(target error) bool {
	return target == ErrSessionNotFound && e.Message == ErrSessionNotFound.Error()
}
