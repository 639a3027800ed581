package intelkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
)

// 以下のメソッドはすべてchannelのロック保持中（txが有効な間）に呼ぶ

// ensureSession は開いているセッションを返す。無ければ開く。
func (c *Client) ensureSession(ctx context.Context, tx *protocol.Tx) (string, error) {
	if c.sessionID != "" {
		return c.sessionID, nil
	}
	return c.openSession(ctx, tx)
}

// openSession は新しいセッションを開き、現在のセッションとして保持する
func (c *Client) openSession(ctx context.Context, tx *protocol.Tx) (string, error) {
	c.sessionID = ""
	resp, err := tx.Send(ctx, protocol.OpenSession{Instructions: c.opts.Instructions})
	if err != nil {
		return "", err
	}
	c.sessionID = resp.SessionID
	c.logger.Debug("session opened", zap.String("session_id", resp.SessionID))
	return resp.SessionID, nil
}

func (c *Client) closeSession(ctx context.Context, tx *protocol.Tx) error {
	id := c.sessionID
	if id == "" {
		return nil
	}
	c.sessionID = ""

	_, err := tx.Send(ctx, protocol.CloseSession{SessionID: id})
	if errors.Is(err, ErrSessionExpired) {
		return nil
	}
	if err == nil {
		c.logger.Debug("session closed", zap.String("session_id", id))
	}
	return err
}

// message はセッション上でプロンプトを送る。
// session_not_foundの場合は1度だけセッションを開き直して再送し、2度目の失敗はそのまま返す。
func (c *Client) message(ctx context.Context, tx *protocol.Tx, prompt, content string, format protocol.OutputFormat) (*protocol.OkResponse, error) {
	id, err := c.ensureSession(ctx, tx)
	if err != nil {
		return nil, err
	}

	msg := protocol.Message{SessionID: id, Prompt: prompt, Content: content, OutputFormat: format}
	resp, err := tx.Send(ctx, msg)
	if !errors.Is(err, ErrSessionExpired) {
		return resp, err
	}

	c.logger.Info("session expired, reopening", zap.String("session_id", id))
	if msg.SessionID, err = c.openSession(ctx, tx); err != nil {
		return nil, err
	}

	resp, err = tx.Send(ctx, msg)
	if errors.Is(err, ErrSessionExpired) {
		c.sessionID = ""
	}
	return resp, err
}

// tagsInSession は現在のセッションで1つの本文のタグを生成する
func (c *Client) tagsInSession(ctx context.Context, tx *protocol.Tx, content string) ([]string, error) {
	resp, err := c.message(ctx, tx, TagsPrompt, content, protocol.OutputStringList)
	if err != nil {
		return nil, err
	}
	raw, err := resp.StringList()
	if err != nil {
		return nil, err
	}

	tags := mergeTags(raw)
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: no tags", ErrEmptyResult)
	}
	return tags, nil
}

// summaryInSession は現在のセッションで1つの本文を要約する
func (c *Client) summaryInSession(ctx context.Context, tx *protocol.Tx, content string) (string, error) {
	resp, err := c.message(ctx, tx, SummaryPrompt, content, protocol.OutputText)
	if err != nil {
		return "", err
	}
	summary, err := resp.Text()
	if err != nil {
		return "", err
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", ErrEmptyResult)
	}
	return summary, nil
}

// mergeTags は空白を除き、大文字小文字を区別せずに重複を除いて最大MaxTags個に切り詰める
func mergeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, MaxTags)
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}
