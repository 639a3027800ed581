// Package protocoltest はテスト用のインメモリNDJSONワーカーを提供する。
// 実際のサイドカーと同様にコマンドを1つずつ順番に処理する。
package protocoltest

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
)

// Reply はワーカーが1コマンドに返す応答
type Reply struct {
	Line  string        // 改行を含まない応答行
	Delay time.Duration // 応答を書き込むまでの待ち時間
	Drop  bool          // trueなら応答を返さない
}

// Handler はコマンドごとの応答を決める
type Handler func(cmd protocol.Command) Reply

// OK はok:trueの応答を作る
func OK(fields map[string]any) Reply {
	m := map[string]any{"ok": true}
	for k, v := range fields {
		m[k] = v
	}
	data, _ := json.Marshal(m)
	return Reply{Line: string(data)}
}

// Fail はok:falseの応答を作る
func Fail(message string) Reply {
	data, _ := json.Marshal(map[string]any{"ok": false, "error": message})
	return Reply{Line: string(data)}
}

// Raw は任意の行をそのまま返す応答を作る
func Raw(line string) Reply {
	return Reply{Line: line}
}

// Worker はio.Pipe上で動くフェイクワーカー
type Worker struct {
	handler Handler

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	queue chan protocol.Command
	done  chan struct{}
	wg    sync.WaitGroup

	bytes atomic.Int64

	mu          sync.Mutex
	received    []protocol.Command
	inFlight    int
	maxInFlight int
	closed      bool
}

// NewWorker はhandlerで応答するWorkerを起動する
func NewWorker(handler Handler) *Worker {
	w := &Worker{
		handler: handler,
		queue:   make(chan protocol.Command, 64),
		done:    make(chan struct{}),
	}
	w.stdinR, w.stdinW = io.Pipe()
	w.stdoutR, w.stdoutW = io.Pipe()

	w.wg.Add(2)
	go w.readLoop()
	go w.replyLoop()

	return w
}

// Stdin はクライアントがコマンドを書き込む側
func (w *Worker) Stdin() io.Writer {
	return countingWriter{w: w.stdinW, n: &w.bytes}
}

// Stdout はクライアントが応答を読む側
func (w *Worker) Stdout() io.Reader {
	return w.stdoutR
}

// BytesReceived はワーカーに書き込まれた総バイト数を返す
func (w *Worker) BytesReceived() int64 {
	return w.bytes.Load()
}

// Received は受信したコマンドを順番に返す（デコードできなかった行はnil）
func (w *Worker) Received() []protocol.Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]protocol.Command, len(w.received))
	copy(out, w.received)
	return out
}

// MaxInFlight は同時に未応答だったコマンド数の最大値を返す
func (w *Worker) MaxInFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxInFlight
}

// CloseOutput は標準出力をEOFにする（プロセス終了の再現用）
func (w *Worker) CloseOutput() error {
	return w.stdoutW.Close()
}

// Close はパイプを閉じ、内部goroutineの終了を待つ
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.stdinR.Close()
	w.stdinW.Close()
	w.stdoutR.Close()
	w.stdoutW.Close()
	w.wg.Wait()
	return nil
}

func (w *Worker) readLoop() {
	defer w.wg.Done()
	defer close(w.queue)

	scanner := bufio.NewScanner(w.stdinR)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.DefaultMaxLineSize)
	for scanner.Scan() {
		cmd, err := protocol.DecodeCommand(scanner.Bytes())
		if err != nil {
			cmd = nil
		}

		w.mu.Lock()
		w.received = append(w.received, cmd)
		w.inFlight++
		if w.inFlight > w.maxInFlight {
			w.maxInFlight = w.inFlight
		}
		w.mu.Unlock()

		select {
		case w.queue <- cmd:
		case <-w.done:
			return
		}
	}
}

func (w *Worker) replyLoop() {
	defer w.wg.Done()

	for cmd := range w.queue {
		var reply Reply
		if cmd == nil {
			reply = Fail("malformed_command")
		} else {
			reply = w.handler(cmd)
		}

		if reply.Delay > 0 {
			select {
			case <-time.After(reply.Delay):
			case <-w.done:
				return
			}
		}

		w.mu.Lock()
		w.inFlight--
		w.mu.Unlock()

		if reply.Drop {
			continue
		}
		if _, err := io.WriteString(w.stdoutW, reply.Line+"\n"); err != nil {
			return
		}
	}
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
