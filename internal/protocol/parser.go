package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type responseWire struct {
	OK        *bool           `json:"ok"`
	SessionID *string         `json:"session_id"`
	Result    json.RawMessage `json:"result"`
	Available *bool           `json:"available"`
	Reason    *string         `json:"reason"`
	Error     *string         `json:"error"`
}

// DecodeResponse は応答1行を、送信したコマンドに対応する型付きの値に変換する。
// 未知のフィールドは無視し、必須フィールドの欠落はErrMalformedとして返す。
// cmdがnilの場合はok/errorの検証のみ行う。
func DecodeResponse(cmd Command, line []byte) (Response, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var w responseWire
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.OK == nil {
		return nil, fmt.Errorf("%w: missing boolean \"ok\"", ErrMalformed)
	}

	if !*w.OK {
		if w.Error == nil {
			return nil, fmt.Errorf("%w: ok:false without \"error\"", ErrMalformed)
		}
		return &ErrResponse{Error: *w.Error}, nil
	}

	resp := &OkResponse{Available: w.Available}
	if w.SessionID != nil {
		resp.SessionID = *w.SessionID
	}
	if w.Reason != nil {
		resp.Reason = *w.Reason
	}
	if len(w.Result) > 0 && !bytes.Equal(w.Result, []byte("null")) {
		resp.Result = w.Result
	}

	switch c := cmd.(type) {
	case CheckAvailability:
		if resp.Available == nil {
			return nil, fmt.Errorf("%w: %s response without \"available\"", ErrMalformed, CommandCheckAvailability)
		}
	case OpenSession:
		if resp.SessionID == "" {
			return nil, fmt.Errorf("%w: %s response without \"session_id\"", ErrMalformed, CommandOpenSession)
		}
	case Message:
		if resp.Result == nil {
			return nil, fmt.Errorf("%w: %s response without \"result\"", ErrMalformed, CommandMessage)
		}
		var err error
		switch c.OutputFormat {
		case OutputStringList:
			_, err = resp.StringList()
		case OutputText:
			_, err = resp.Text()
		}
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

type commandWire struct {
	Command      string        `json:"command"`
	Instructions *string       `json:"instructions"`
	SessionID    *string       `json:"session_id"`
	Prompt       *string       `json:"prompt"`
	Content      *string       `json:"content"`
	OutputFormat *OutputFormat `json:"output_format"`
}

// DecodeCommand はコマンド1行を型付きの値に変換する（ワーカー側の実装用）
func DecodeCommand(line []byte) (Command, error) {
	var w commandWire
	if err := json.Unmarshal(bytes.TrimRight(line, "\r\n"), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	missing := func(field string) error {
		return fmt.Errorf("%w: %s command without %q", ErrMalformed, w.Command, field)
	}

	switch w.Command {
	case CommandCheckAvailability:
		return CheckAvailability{}, nil

	case CommandOpenSession:
		if w.Instructions == nil {
			return nil, missing("instructions")
		}
		return OpenSession{Instructions: *w.Instructions}, nil

	case CommandMessage:
		switch {
		case w.SessionID == nil:
			return nil, missing("session_id")
		case w.Prompt == nil:
			return nil, missing("prompt")
		case w.Content == nil:
			return nil, missing("content")
		case w.OutputFormat == nil:
			return nil, missing("output_format")
		}
		return Message{
			SessionID:    *w.SessionID,
			Prompt:       *w.Prompt,
			Content:      *w.Content,
			OutputFormat: *w.OutputFormat,
		}, nil

	case CommandCloseSession:
		if w.SessionID == nil {
			return nil, missing("session_id")
		}
		return CloseSession{SessionID: *w.SessionID}, nil

	case CommandShutdown:
		return Shutdown{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing \"command\"", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformed, w.Command)
	}
}
