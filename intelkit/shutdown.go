package intelkit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
)

const reasonShutDown = "shut down"

// Shutdown はサイドカーにshutdownを送り、ShutdownGraceの間終了を待つ。
// 期限内に終了しなければ強制終了してから標準入出力を解放する。
// サイドカーが無い場合や2回目以降の呼び出しは何もしない。
func (c *Client) Shutdown(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.shutdown(ctx)
	})
	return c.closeErr
}

// Close はShutdownを呼ぶ
func (c *Client) Close() error {
	return c.Shutdown(context.Background())
}

func (c *Client) shutdown(ctx context.Context) error {
	c.procMu.Lock()
	c.closed.Store(true)
	proc := c.proc
	c.procMu.Unlock()
	c.gate.downgrade(reasonShutDown)

	if proc == nil {
		return nil
	}

	deadline := time.Now().Add(c.opts.ShutdownGrace)
	proc.MarkStopping()

	// 応答を待つ時間も含めて全体でShutdownGraceに収める
	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	_, err := c.channel.Send(sendCtx, protocol.Shutdown{})
	cancel()
	if err != nil {
		c.logger.Debug("shutdown command not acknowledged", zap.Error(err))
	}

	forced, err := proc.Stop(time.Until(deadline))
	if forced {
		c.logger.Warn("sidecar force-killed after grace period", zap.Duration("grace", c.opts.ShutdownGrace))
	}

	c.channel.Close()
	if releaseErr := proc.Release(); releaseErr != nil {
		err = errors.Join(err, releaseErr)
	}
	if err != nil {
		return NewError("shutdown", err)
	}
	c.logger.Info("sidecar stopped")
	return nil
}
