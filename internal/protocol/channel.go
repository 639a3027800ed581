package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultCommandTimeout = 30 * time.Second
	DefaultMaxLineSize    = 10 * 1024 * 1024 // 10MB
)

// ChannelConfig はChannelの設定
type ChannelConfig struct {
	Timeout     time.Duration // 1コマンドあたりの期限（デフォルト: 30秒）
	MaxLineSize int           // 応答1行の最大サイズ
	Logger      *zap.Logger
}

type lineResult struct {
	line []byte
	err  error
}

// stream は1組の書き込み先と読み取りgoroutine
type stream struct {
	w     io.Writer
	lines chan lineResult
	stop  chan struct{}
}

// Channel はサイドカーの標準入出力を単一の直列チャネルとして扱う。
// 同時に処理中のコマンドは常に1つで、ロックの取得順（FIFO）に処理される。
type Channel struct {
	config ChannelConfig
	logger *zap.Logger

	done chan struct{}

	// semaphore.WeightedはAcquire待ちをFIFOで処理し、contextでの中断にも対応する
	sem *semaphore.Weighted

	// 以下はsemを保持している間だけ読み書きする
	stream    *stream
	broken    bool // 書き込みに失敗した
	abandoned bool // 応答を読み終える前に諦めたので、以降の行と要求の対応が保証できない

	closed    atomic.Bool
	closeOnce sync.Once
}

// Tx はDoのコールバック内でのみ有効な送信ハンドル
type Tx struct {
	c *Channel
}

// NewChannel はwにコマンドを書き込み、rから応答を読むChannelを作成する。
// rの読み取りgoroutineはrがEOFになるか、所有者がrを閉じるまで動作する。
func NewChannel(w io.Writer, r io.Reader, config ChannelConfig) *Channel {
	if config.Timeout <= 0 {
		config.Timeout = DefaultCommandTimeout
	}
	if config.MaxLineSize <= 0 {
		config.MaxLineSize = DefaultMaxLineSize
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	c := &Channel{
		config: config,
		logger: config.Logger,
		done:   make(chan struct{}),
		sem:    semaphore.NewWeighted(1),
	}
	c.stream = c.attach(w, r)

	return c
}

func (c *Channel) attach(w io.Writer, r io.Reader) *stream {
	s := &stream{
		w:     w,
		lines: make(chan lineResult, 16),
		stop:  make(chan struct{}),
	}
	go c.readLoop(s, r)
	return s
}

func (c *Channel) readLoop(s *stream, r io.Reader) {
	defer close(s.lines)

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br, c.config.MaxLineSize)
		var res lineResult
		switch {
		case errors.Is(err, errLineTooLong):
			// 行の残りは読み捨て済みなので、次の行から対応は保たれる
			res = lineResult{err: fmt.Errorf("%w: response line exceeds %d bytes", ErrMalformed, c.config.MaxLineSize)}
		case err != nil:
			res = lineResult{err: err}
		default:
			res = lineResult{line: line}
		}

		select {
		case s.lines <- res:
		case <-s.stop:
			return
		case <-c.done:
			return
		}
		if res.err != nil && !errors.Is(res.err, ErrMalformed) {
			return
		}
	}
}

var errLineTooLong = errors.New("line too long")

// readLine は改行までの1行を返す。maxを超える行は最後まで読み捨ててerrLineTooLongを返す。
func readLine(br *bufio.Reader, max int) ([]byte, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		frag, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > max+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0 && !tooLong:
			// 改行で終わらない最後の行
			return bytes.TrimRight(line, "\r"), nil
		case err != nil:
			return nil, err
		case tooLong:
			return nil, errLineTooLong
		}
		return bytes.TrimRight(line, "\r\n"), nil
	}
}

// Do はチャネルの排他ロックを取得してfnを実行する。
// ロックはfnの結果やパニック、contextのキャンセルに関係なく必ず解放される。
func (c *Channel) Do(ctx context.Context, fn func(tx *Tx) error) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	if c.closed.Load() {
		return ErrChannelClosed
	}
	return fn(&Tx{c: c})
}

// Send はコマンドを1つ送信し、応答を待つ
func (c *Channel) Send(ctx context.Context, cmd Command) (*OkResponse, error) {
	var resp *OkResponse
	err := c.Do(ctx, func(tx *Tx) error {
		var err error
		resp, err = tx.Send(ctx, cmd)
		return err
	})
	return resp, err
}

// Send はロック保持中にコマンドを送信し、対応する1行の応答を読む。
// ok:falseの応答は*RemoteErrorとして返す。
func (tx *Tx) Send(ctx context.Context, cmd Command) (*OkResponse, error) {
	return tx.c.roundTrip(ctx, cmd)
}

// Abandoned は応答を待たずに諦めたコマンドがあり、Resetするまで使えないかを返す
func (tx *Tx) Abandoned() bool {
	return tx.c.abandoned
}

// Reset は新しい標準入出力に切り替え、壊れた状態を解除する。
// 古いrの読み取りgoroutineは、所有者が古いストリームを閉じた時点で終了する。
func (tx *Tx) Reset(w io.Writer, r io.Reader) {
	c := tx.c
	close(c.stream.stop)
	c.stream = c.attach(w, r)
	c.broken = false
	c.abandoned = false
}

func (c *Channel) roundTrip(ctx context.Context, cmd Command) (*OkResponse, error) {
	name := cmd.CommandName()
	if c.broken || c.abandoned {
		return nil, fmt.Errorf("%s: %w", name, ErrChannelBroken)
	}

	data, err := Encode(cmd)
	if err != nil {
		return nil, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	if err := c.write(cmdCtx, data); err != nil {
		return nil, c.wrapError(ctx, name, err)
	}

	line, err := c.next(cmdCtx)
	if err != nil {
		if cmdCtx.Err() != nil {
			// 応答が後から届くか、届かないかは分からない
			c.abandoned = true
			c.logger.Warn("abandoned command without response", zap.String("command", name))
		}
		return nil, c.wrapError(ctx, name, err)
	}

	c.logger.Debug("command completed",
		zap.String("command", name),
		zap.Duration("elapsed", time.Since(start)))

	resp, err := DecodeResponse(cmd, line)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	switch r := resp.(type) {
	case *ErrResponse:
		return nil, &RemoteError{Command: name, Message: r.Error}
	case *OkResponse:
		return r, nil
	default:
		return nil, fmt.Errorf("%s: %w: unexpected response type %T", name, ErrMalformed, resp)
	}
}

func (c *Channel) write(ctx context.Context, data []byte) error {
	w := c.stream.w
	errc := make(chan error, 1)
	go func() {
		_, err := w.Write(data)
		errc <- err
	}()

	select {
	case err := <-errc:
		if err != nil {
			c.broken = true
			return fmt.Errorf("write command: %w: %v", ErrStreamClosed, err)
		}
		return nil
	case <-ctx.Done():
		c.abandoned = true
		return ctx.Err()
	}
}

func (c *Channel) next(ctx context.Context) ([]byte, error) {
	select {
	case res, ok := <-c.stream.lines:
		if !ok {
			return nil, ErrStreamClosed
		}
		if res.err != nil {
			if errors.Is(res.err, ErrMalformed) {
				return nil, res.err
			}
			if errors.Is(res.err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, fmt.Errorf("%w: %v", ErrStreamClosed, res.err)
		}
		return res.line, nil
	case <-c.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// wrapError はcontext由来のエラーを、呼び出し元のキャンセルとコマンドのタイムアウトに区別する
func (c *Channel) wrapError(parent context.Context, name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if parent.Err() != nil {
			return fmt.Errorf("%s: %w", name, parent.Err())
		}
		return fmt.Errorf("%s: %w after %s", name, ErrTimeout, c.config.Timeout)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// Close はチャネルを閉じる。以降のDoはErrChannelClosedを返す。
// 下層のストリームは閉じないため、所有者が別途解放すること。
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}
