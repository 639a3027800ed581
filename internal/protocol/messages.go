package protocol

import (
	"encoding/json"
	"fmt"
)

// コマンド名（ワイヤ上の "command" フィールド）
const (
	CommandCheckAvailability = "check-availability"
	CommandOpenSession       = "open-session"
	CommandMessage           = "message"
	CommandCloseSession      = "close-session"
	CommandShutdown          = "shutdown"
)

// OutputFormat はmessageコマンドで要求する出力形式
type OutputFormat string

const (
	OutputStringList OutputFormat = "string_list"
	OutputText       OutputFormat = "text"
)

// Command はサイドカーへ送るコマンドの共通インターフェース。
// 実装はこのパッケージの値型に閉じている。
type Command interface {
	CommandName() string
	isCommand()
}

// CheckAvailability はモデルが利用可能かを問い合わせる
type CheckAvailability struct{}

// OpenSession は新しいセッションを開く
type OpenSession struct {
	Instructions string
}

// Message はセッションにプロンプトとコンテンツを送る
type Message struct {
	SessionID    string
	Prompt       string
	Content      string
	OutputFormat OutputFormat
}

// CloseSession はセッションを閉じる
type CloseSession struct {
	SessionID string
}

// Shutdown はサイドカーに終了を要求する
type Shutdown struct{}

func (CheckAvailability) CommandName() string { return CommandCheckAvailability }
func (OpenSession) CommandName() string       { return CommandOpenSession }
func (Message) CommandName() string           { return CommandMessage }
func (CloseSession) CommandName() string      { return CommandCloseSession }
func (Shutdown) CommandName() string          { return CommandShutdown }

func (CheckAvailability) isCommand() {}
func (OpenSession) isCommand()       {}
func (Message) isCommand()           {}
func (CloseSession) isCommand()      {}
func (Shutdown) isCommand()          {}

type commandHeader struct {
	Command string `json:"command"`
}

type openSessionWire struct {
	Command      string `json:"command"`
	Instructions string `json:"instructions"`
}

type messageWire struct {
	Command      string       `json:"command"`
	SessionID    string       `json:"session_id"`
	Prompt       string       `json:"prompt"`
	Content      string       `json:"content"`
	OutputFormat OutputFormat `json:"output_format"`
}

type closeSessionWire struct {
	Command   string `json:"command"`
	SessionID string `json:"session_id"`
}

// Encode はコマンドを1行のNDJSON（末尾改行付き）に変換する。
// 文字列中の改行はJSONエスケープされるため、出力に改行は1つしか含まれない。
func Encode(cmd Command) ([]byte, error) {
	var v any
	switch c := cmd.(type) {
	case CheckAvailability, Shutdown:
		v = commandHeader{Command: c.CommandName()}
	case OpenSession:
		v = openSessionWire{Command: CommandOpenSession, Instructions: c.Instructions}
	case Message:
		if c.OutputFormat != OutputStringList && c.OutputFormat != OutputText {
			return nil, fmt.Errorf("encode %s: unsupported output format %q", CommandMessage, c.OutputFormat)
		}
		v = messageWire{
			Command:      CommandMessage,
			SessionID:    c.SessionID,
			Prompt:       c.Prompt,
			Content:      c.Content,
			OutputFormat: c.OutputFormat,
		}
	case CloseSession:
		v = closeSessionWire{Command: CommandCloseSession, SessionID: c.SessionID}
	default:
		return nil, fmt.Errorf("encode: unknown command type %T", cmd)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return append(data, '\n'), nil
}

// Response はサイドカーからの応答（OkResponse か ErrResponse）
type Response interface {
	isResponse()
}

// OkResponse は ok:true の応答
type OkResponse struct {
	SessionID string
	Result    json.RawMessage
	Available *bool
	Reason    string
}

// ErrResponse は ok:false の応答
type ErrResponse struct {
	Error string
}

func (*OkResponse) isResponse()  {}
func (*ErrResponse) isResponse() {}

// StringList はresultを文字列配列として取り出す
func (r *OkResponse) StringList() ([]string, error) {
	var list []string
	if err := json.Unmarshal(r.Result, &list); err != nil {
		return nil, fmt.Errorf("%w: result is not a string list: %v", ErrMalformed, err)
	}
	return list, nil
}

// Text はresultを文字列として取り出す
func (r *OkResponse) Text() (string, error) {
	var s string
	if err := json.Unmarshal(r.Result, &s); err != nil {
		return "", fmt.Errorf("%w: result is not a string: %v", ErrMalformed, err)
	}
	return s, nil
}

// IsAvailable はavailableフィールドの値を返す（未設定ならfalse）
func (r *OkResponse) IsAvailable() bool {
	return r.Available != nil && *r.Available
}
