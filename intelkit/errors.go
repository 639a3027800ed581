package intelkit

import (
	"errors"
	"fmt"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
	"github.com/y-oga-819/go-intelkit/internal/transport"
)

var (
	// 起動エラー
	ErrSpawn          = transport.ErrSpawn
	ErrBinaryNotFound = transport.ErrBinaryNotFound

	// 可用性エラー
	ErrUnavailable = errors.New("intelligence unavailable")

	// 通信エラー
	ErrTimeout       = protocol.ErrTimeout
	ErrProtocol      = protocol.ErrMalformed
	ErrProcessExited = errors.New("sidecar process exited unexpectedly")
	ErrClosed        = protocol.ErrChannelClosed

	// セッションエラー
	ErrSessionExpired = protocol.ErrSessionNotFound

	// 結果エラー
	ErrEmptyResult  = errors.New("model returned an empty result")
	ErrEmptyContent = errors.New("no content to enrich")
)

// ApplicationError はサイドカーがok:falseで返したエラー
type ApplicationError = protocol.RemoteError

// Error はエラーの詳細情報を含む
type Error struct {
	Op       string // 操作名
	Err      error  // 元エラー
	Details  string // 追加情報
	ExitCode int    // サイドカーの終了コード（不明な場合は0）
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" [exit code: %d]", e.ExitCode)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は新しいErrorを作成する
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewErrorWithDetails は詳細情報付きのErrorを作成する
func NewErrorWithDetails(op string, err error, details string) *Error {
	return &Error{
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// IsTimeout はコマンドのタイムアウトかを判定する
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsSessionExpired はセッション期限切れかを判定する
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// IsUnavailable は機能が利用できないことによるエラーかを判定する
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrProcessExited) ||
		errors.Is(err, ErrSpawn)
}

// UnavailableReason はErrUnavailableに付随する理由を返す
func UnavailableReason(err error) string {
	var e *Error
	if errors.As(err, &e) && errors.Is(e.Err, ErrUnavailable) {
		return e.Details
	}
	return ""
}
