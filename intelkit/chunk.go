package intelkit

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
)

// 区切り位置を探すのは各チャンク末尾のこの範囲だけ
const chunkSearchWindow = 500

// splitContent は本文をmaxバイト以下のチャンクに分割する。
// 段落、行、空白の順に区切りを探し、UTF-8の文字の途中では切らない。
// 全チャンクを連結すると元の本文に戻る。
func splitContent(content string, max int) []string {
	if len(content) <= max {
		return []string{content}
	}

	var chunks []string
	start := 0
	for start < len(content) {
		if start+max >= len(content) {
			chunks = append(chunks, content[start:])
			break
		}

		end := snapToRuneStart(content, start+max)
		if end <= start {
			_, size := utf8.DecodeRuneInString(content[start:])
			end = start + size
		}

		searchStart := start
		if end-start > chunkSearchWindow {
			searchStart = snapToRuneStart(content, end-chunkSearchWindow)
		}
		window := content[searchStart:end]

		cut := end
		if i := strings.LastIndex(window, "\n\n"); i >= 0 {
			cut = searchStart + i + 2
		} else if i := strings.LastIndexByte(window, '\n'); i >= 0 {
			cut = searchStart + i + 1
		} else if i := strings.LastIndexByte(window, ' '); i >= 0 {
			cut = searchStart + i + 1
		}

		chunks = append(chunks, content[start:cut])
		start = cut
	}
	return chunks
}

func snapToRuneStart(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// tags は本文が長すぎる場合に分割してタグを生成する
func (c *Client) tags(ctx context.Context, tx *protocol.Tx, content string) ([]string, error) {
	chunks := splitContent(content, c.opts.MaxContentChars)
	if len(chunks) == 1 {
		return c.tagsInSession(ctx, tx, content)
	}

	c.logger.Info("content too large, generating tags per chunk",
		zap.Int("bytes", len(content)),
		zap.Int("chunks", len(chunks)))

	var all []string
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// チャンクごとに新しいセッションを使う
		if _, err := c.openSession(ctx, tx); err != nil {
			c.logger.Warn("failed to open session for chunk", zap.Int("chunk", i+1), zap.Error(err))
			continue
		}
		tags, err := c.tagsInSession(ctx, tx, chunk)
		if err != nil {
			c.logger.Warn("chunk failed", zap.Int("chunk", i+1), zap.Int("chunks", len(chunks)), zap.Error(err))
			continue
		}
		c.logger.Debug("chunk tagged", zap.Int("chunk", i+1), zap.Int("tags", len(tags)))
		all = append(all, tags...)
	}

	tags := mergeTags(all)
	if len(tags) == 0 {
		return nil, fmt.Errorf("%w: no tags generated from any content chunk", ErrEmptyResult)
	}
	return tags, nil
}

// summary は本文が長すぎる場合にチャンクごとに要約し、最後にそれらをまとめて要約する
func (c *Client) summary(ctx context.Context, tx *protocol.Tx, content string) (string, error) {
	chunks := splitContent(content, c.opts.MaxContentChars)
	if len(chunks) == 1 {
		return c.summaryInSession(ctx, tx, content)
	}

	c.logger.Info("content too large, summarizing per chunk",
		zap.Int("bytes", len(content)),
		zap.Int("chunks", len(chunks)))

	var summaries []string
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := c.openSession(ctx, tx); err != nil {
			c.logger.Warn("failed to open session for chunk", zap.Int("chunk", i+1), zap.Error(err))
			continue
		}
		summary, err := c.summaryInSession(ctx, tx, chunk)
		if err != nil {
			c.logger.Warn("chunk failed", zap.Int("chunk", i+1), zap.Int("chunks", len(chunks)), zap.Error(err))
			continue
		}
		summaries = append(summaries, summary)
	}

	switch len(summaries) {
	case 0:
		return "", fmt.Errorf("%w: no summaries generated from any content chunk", ErrEmptyResult)
	case 1:
		return summaries[0], nil
	}

	if _, err := c.openSession(ctx, tx); err != nil {
		c.logger.Warn("failed to open session for combined summary, using first chunk", zap.Error(err))
		return summaries[0], nil
	}
	combined, err := c.summaryInSession(ctx, tx, strings.Join(summaries, "\n"))
	if err != nil {
		c.logger.Warn("combining chunk summaries failed, using first chunk", zap.Error(err))
		return summaries[0], nil
	}
	return combined, nil
}
