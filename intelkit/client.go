// Package intelkit は推論サイドカー（IntelligenceKit）のクライアントを提供する。
//
// サイドカーは長寿命の子プロセスとして起動し、標準入出力上のNDJSONで通信する。
// 複数の呼び出し元は1本のパイプ上に直列化され、起動順（FIFO）に処理される。
// サイドカーが無い・利用できない場合もクライアントは作成でき、各操作はErrUnavailableを返す。
package intelkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
	"github.com/y-oga-819/go-intelkit/internal/transport"
)

const (
	reasonBinaryNotFound = "binary not found"

	// ストリームが閉じたときに終了コードが確定するまで待つ時間
	exitStatusWait = 200 * time.Millisecond
)

// process はクライアントが所有するサイドカープロセス
type process interface {
	MarkStopping()
	Stop(grace time.Duration) (forced bool, err error)
	Release() error
	WaitStatus(timeout time.Duration) *transport.ProcessStatus
}

// connector は新しいサイドカーを起動し、その標準入出力を返す
type connector func() (process, io.Writer, io.Reader, error)

// Client はサイドカーとのセッションを管理する
type Client struct {
	opts   Options
	logger *zap.Logger

	connect connector
	channel *protocol.Channel
	gate    *gate

	// procMuはprocの差し替えとclosedの設定を直列化する
	procMu sync.Mutex
	proc   process

	// sessionID はchannelのロック保持中だけ読み書きする（空ならセッションなし）
	sessionID string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Start はサイドカーを起動し、可用性を確認する。
// 実行ファイルが無い・起動できない場合もエラーにはせず、利用不可のClientを返す。
func Start(ctx context.Context, opts *Options) *Client {
	c := newClient(opts)

	path, err := transport.ResolveBinary(transport.DefaultBinaryName, c.opts.BinaryPath)
	if err != nil {
		c.fail(err)
		return c
	}

	c.connect = func() (process, io.Writer, io.Reader, error) {
		sidecar, err := transport.Spawn(transport.Config{
			BinaryPath:   path,
			Args:         c.opts.BinaryArgs,
			Env:          c.opts.Env,
			StderrPrefix: c.opts.StderrPrefix,
			Logger:       c.logger.Named("sidecar"),
			OnExit:       c.handleExit,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return sidecar, sidecar.Stdin(), sidecar.Stdout(), nil
	}

	c.start(ctx)
	return c
}

func newClient(opts *Options) *Client {
	o := opts.withDefaults()
	return &Client{
		opts:   o,
		logger: o.Logger,
		gate:   newGate(),
	}
}

func (c *Client) fail(err error) {
	reason := err.Error()
	if errors.Is(err, ErrBinaryNotFound) {
		reason = reasonBinaryNotFound
	}
	c.gate.downgrade(reason)
	c.logger.Warn("intelligence sidecar unavailable", zap.String("reason", reason), zap.Error(err))
}

// start は最初のサイドカーを起動し、可用性の確認とセッションの準備を行う
func (c *Client) start(ctx context.Context) {
	proc, w, r, err := c.connect()
	if err != nil {
		c.fail(err)
		return
	}

	c.proc = proc
	c.channel = protocol.NewChannel(w, r, protocol.ChannelConfig{
		Timeout: c.opts.CommandTimeout,
		Logger:  c.logger.Named("channel"),
	})

	c.checkAtStartup(ctx)

	availability := c.gate.get()
	if !availability.Available {
		c.logger.Info("intelligence unavailable", zap.String("reason", availability.Reason))
		return
	}
	if !c.opts.SkipPriming {
		c.prime(ctx)
	}
}

func (c *Client) checkAtStartup(ctx context.Context) {
	err := c.channel.Do(ctx, func(tx *protocol.Tx) error {
		available, reason, err := c.checkAvailability(ctx, tx)
		c.gate.record(available, reason)
		return err
	})
	if err != nil {
		c.logger.Warn("availability check failed", zap.Error(err))
	}
}

// checkAvailability はcheck-availabilityを送り、結果を可用性と理由に変換する。
// ok:falseの応答は利用不可として扱い、エラーにはしない。
func (c *Client) checkAvailability(ctx context.Context, tx *protocol.Tx) (bool, string, error) {
	resp, err := tx.Send(ctx, protocol.CheckAvailability{})
	var appErr *ApplicationError
	switch {
	case errors.As(err, &appErr):
		return false, appErr.Message, nil
	case err != nil:
		return false, "availability check failed: " + err.Error(), err
	}
	return resp.IsAvailable(), resp.Reason, nil
}

// prime は起動時にセッションを開いておく。失敗しても次の呼び出しで開き直す。
func (c *Client) prime(ctx context.Context) {
	err := c.channel.Do(ctx, func(tx *protocol.Tx) error {
		_, err := c.openSession(ctx, tx)
		return err
	})
	if err != nil {
		c.logger.Warn("session priming failed", zap.Error(err))
	}
}

// reconnect は応答を待たずに諦めたチャネルを新しいサイドカーで作り直す。
// 古いストリームでは要求と応答の対応が保証できないため、同じストリームでは読み直さない。
// channelのロック保持中に呼ぶ。
func (c *Client) reconnect(ctx context.Context, tx *protocol.Tx) error {
	c.sessionID = ""

	c.procMu.Lock()
	old := c.proc
	c.procMu.Unlock()

	c.logger.Warn("sidecar stopped responding, restarting")
	old.MarkStopping()
	if _, err := old.Stop(0); err != nil {
		c.logger.Warn("failed to stop unresponsive sidecar", zap.Error(err))
	}
	if err := old.Release(); err != nil {
		c.logger.Debug("release unresponsive sidecar", zap.Error(err))
	}

	proc, w, r, err := c.connect()
	if err != nil {
		reason := "sidecar restart failed: " + err.Error()
		c.gate.downgrade(reason)
		return NewErrorWithDetails("reconnect", ErrUnavailable, reason)
	}

	c.procMu.Lock()
	if c.closed.Load() {
		c.procMu.Unlock()
		proc.MarkStopping()
		proc.Stop(0)
		proc.Release()
		return ErrClosed
	}
	c.proc = proc
	c.procMu.Unlock()

	tx.Reset(w, r)

	// 呼び出し元のキャンセルとは関係なく、コマンドの期限内で確認する
	available, reason, err := c.checkAvailability(context.WithoutCancel(ctx), tx)
	if err != nil || !available {
		c.gate.downgrade(reason)
		return NewErrorWithDetails("reconnect", ErrUnavailable, reason)
	}
	c.logger.Info("sidecar restarted")
	return nil
}

// handleExit は要求していないサイドカーの終了を処理する
func (c *Client) handleExit(status transport.ProcessStatus) {
	reason := fmt.Sprintf("sidecar exited unexpectedly (exit code %d)", status.ExitCode)
	if c.gate.downgrade(reason) {
		c.logger.Error("intelligence sidecar terminated", zap.Int("exit_code", status.ExitCode))
	}
}

// do は可用性を確認してからチャネルのロックを取得してfnを実行する。
// ロック取得後にも可用性を確認し、利用不可なら1バイトも書き込まない。
// 前のコマンドがタイムアウトしていれば、fnの前にサイドカーを起動し直す。
func (c *Client) do(ctx context.Context, op string, fn func(tx *protocol.Tx) error) error {
	if c.closed.Load() {
		return NewError(op, ErrClosed)
	}
	if err := c.gate.check(op); err != nil {
		return err
	}
	if c.channel == nil {
		return NewError(op, ErrUnavailable)
	}

	err := c.channel.Do(ctx, func(tx *protocol.Tx) error {
		if err := c.gate.check(op); err != nil {
			return err
		}
		if tx.Abandoned() {
			if err := c.reconnect(ctx, tx); err != nil {
				return err
			}
		}
		return fn(tx)
	})
	if err != nil {
		return c.wrap(op, err)
	}
	return nil
}

func (c *Client) wrap(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, protocol.ErrStreamClosed) || errors.Is(err, protocol.ErrChannelBroken) {
		return &Error{
			Op:       op,
			Err:      fmt.Errorf("%w: %w", ErrProcessExited, err),
			ExitCode: c.exitCode(),
		}
	}
	return NewError(op, err)
}

// exitCode はサイドカーの終了コードを返す。終了が確定しなければ0。
func (c *Client) exitCode() int {
	c.procMu.Lock()
	proc := c.proc
	c.procMu.Unlock()
	if proc == nil {
		return 0
	}
	if status := proc.WaitStatus(exitStatusWait); status != nil {
		return status.ExitCode
	}
	return 0
}

// Name はプロバイダ名を返す
func (c *Client) Name() string {
	return ProviderIntelligenceKit
}

// CheckAvailability はキャッシュ済みの可用性を返す（サイドカーには問い合わせない）
func (c *Client) CheckAvailability(ctx context.Context) Availability {
	return c.gate.get()
}

// GenerateTags は本文のトピックタグを1〜5個生成する
func (c *Client) GenerateTags(ctx context.Context, content string) ([]string, error) {
	var tags []string
	err := c.do(ctx, "generate tags", func(tx *protocol.Tx) error {
		var err error
		tags, err = c.tags(ctx, tx, content)
		return err
	})
	return tags, err
}

// Summarize は本文の1文要約を生成する
func (c *Client) Summarize(ctx context.Context, content string) (string, error) {
	var summary string
	err := c.do(ctx, "summarize", func(tx *protocol.Tx) error {
		var err error
		summary, err = c.summary(ctx, tx, content)
		return err
	})
	return summary, err
}

// enrichInSession はタグと要約を1回のロック保持中に続けて生成する
func (c *Client) enrichInSession(ctx context.Context, content string) ([]string, string, error) {
	var (
		tags    []string
		summary string
	)
	err := c.do(ctx, "enrich", func(tx *protocol.Tx) error {
		var err error
		if tags, err = c.tags(ctx, tx, content); err != nil {
			return err
		}
		summary, err = c.summary(ctx, tx, content)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return tags, summary, nil
}

// CloseSession は開いているセッションを閉じる。セッションが無ければ何もしない。
func (c *Client) CloseSession(ctx context.Context) error {
	return c.do(ctx, "close session", func(tx *protocol.Tx) error {
		return c.closeSession(ctx, tx)
	})
}
