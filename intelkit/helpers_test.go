package intelkit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
	"github.com/y-oga-819/go-intelkit/internal/protocol/protocoltest"
	"github.com/y-oga-819/go-intelkit/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestHelperProcess はテスト用のサイドカーとして動作する（直接は実行しない）
func TestHelperProcess(t *testing.T) {
	if os.Getenv("INTELKIT_HELPER_PROCESS") != "1" {
		return
	}
	mode := os.Getenv("INTELKIT_HELPER_MODE")
	fmt.Fprintln(os.Stderr, "ready")

	handler := (&protocoltest.Model{}).Handler()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd, err := protocol.DecodeCommand(scanner.Bytes())
		if err != nil {
			fmt.Println(`{"ok":false,"error":"malformed_command"}`)
			continue
		}
		switch cmd.(type) {
		case protocol.Shutdown:
			if mode == "deaf" {
				continue
			}
			fmt.Println(`{"ok":true}`)
			os.Exit(0)
		case protocol.OpenSession:
			if mode == "crash" {
				os.Exit(7)
			}
		}
		fmt.Println(handler(cmd).Line)
	}
	if mode == "deaf" {
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helperOptions(mode string) *Options {
	return &Options{
		BinaryPath: os.Args[0],
		BinaryArgs: []string{"-test.run=^TestHelperProcess$", "--"},
		Env: map[string]string{
			"INTELKIT_HELPER_PROCESS": "1",
			"INTELKIT_HELPER_MODE":    mode,
		},
	}
}

// workerProcess はインメモリのワーカーをprocessとして扱う
type workerProcess struct {
	worker   *protocoltest.Worker
	stopping atomic.Bool
	status   *transport.ProcessStatus
}

func (p *workerProcess) MarkStopping() {
	p.stopping.Store(true)
}

func (p *workerProcess) Stop(time.Duration) (bool, error) {
	p.stopping.Store(true)
	return false, nil
}

func (p *workerProcess) Release() error {
	return p.worker.Close()
}

func (p *workerProcess) WaitStatus(time.Duration) *transport.ProcessStatus {
	return p.status
}

// workerPool は接続のたびに新しいワーカーを起動する
type workerPool struct {
	handler protocoltest.Handler

	mu      sync.Mutex
	workers []*protocoltest.Worker
	procs   []*workerProcess
}

func (p *workerPool) connect() (process, io.Writer, io.Reader, error) {
	w := protocoltest.NewWorker(p.handler)
	proc := &workerProcess{worker: w}

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.procs = append(p.procs, proc)
	p.mu.Unlock()

	return proc, w.Stdin(), w.Stdout(), nil
}

func (p *workerPool) Workers() []*protocoltest.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocoltest.Worker(nil), p.workers...)
}

func newTestClientPool(t *testing.T, handler protocoltest.Handler, opts *Options) (*Client, *workerPool) {
	t.Helper()
	pool := &workerPool{handler: handler}
	c := newClient(opts)
	c.connect = pool.connect
	c.start(context.Background())
	t.Cleanup(func() {
		c.Close()
		for _, w := range pool.Workers() {
			w.Close()
		}
	})
	return c, pool
}

func newTestClient(t *testing.T, handler protocoltest.Handler, opts *Options) (*Client, *protocoltest.Worker) {
	t.Helper()
	c, pool := newTestClientPool(t, handler, opts)
	return c, pool.Workers()[0]
}

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}
