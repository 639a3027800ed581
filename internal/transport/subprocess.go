package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const maxStderrLine = 1024 * 1024

// Sidecar は起動済みのサイドカープロセスと、その標準入出力を所有する。
// 標準入出力の読み書きはCommandChannelだけが行う。
type Sidecar struct {
	config Config
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	stderrDone chan struct{}
	exited     chan struct{}

	stopping    atomic.Bool
	releaseOnce sync.Once

	mu     sync.RWMutex
	status *ProcessStatus
}

// Spawn はサイドカーを起動する。
// 実行ファイルが無い・実行できない場合はErrSpawnをラップしたエラーを返す。
func Spawn(config Config) (*Sidecar, error) {
	if config.StderrPrefix == "" {
		config.StderrPrefix = DefaultStderrPrefix
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	logger := config.Logger.With(zap.String("binary", config.BinaryPath))

	if err := checkExecutable(config.BinaryPath); err != nil {
		return nil, err
	}

	cmd := exec.Command(config.BinaryPath, config.Args...)
	cmd.Env = buildEnv(config.Env)
	cmd.Dir = config.CWD

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}

	// stdout/stderrは自前のos.Pipeにする。
	// exec.Cmd.Waitがパイプを閉じないので、終了後も残りの行を読み切れる。
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	// 書き込み側は子プロセスだけが持つ
	stdoutW.Close()
	stderrW.Close()

	s := &Sidecar{
		config:     config,
		logger:     logger.With(zap.Int("pid", cmd.Process.Pid)),
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdoutR,
		stderr:     stderrR,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	go s.readStderr()
	go s.waitProcess()

	s.logger.Info("sidecar started")

	return s, nil
}

func checkExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: %w: empty path", ErrSpawn, ErrBinaryNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %w: %s", ErrSpawn, ErrBinaryNotFound, path)
		}
		return fmt.Errorf("%w: stat %s: %v", ErrSpawn, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %w: %s is a directory", ErrSpawn, ErrNotExecutable, path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %w: %s", ErrSpawn, ErrNotExecutable, path)
	}
	return nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// readStderr は診断出力を1行ずつ固定の接頭辞付きでログに転送する
func (s *Sidecar) readStderr() {
	defer close(s.stderrDone)
	defer s.stderr.Close()

	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxStderrLine)
	for scanner.Scan() {
		s.logger.Info(s.config.StderrPrefix + " " + scanner.Text())
	}
}

func (s *Sidecar) waitProcess() {
	err := s.cmd.Wait()

	status := ProcessStatus{
		ExitCode:  -1,
		Requested: s.stopping.Load(),
		Err:       err,
	}
	if s.cmd.ProcessState != nil {
		status.ExitCode = s.cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	s.status = &status
	s.mu.Unlock()
	close(s.exited)

	// 終了直前のstderrを先にログへ流しておく
	select {
	case <-s.stderrDone:
	case <-time.After(100 * time.Millisecond):
	}

	if status.Requested {
		s.logger.Info("sidecar exited", zap.Int("exit_code", status.ExitCode))
		return
	}

	s.logger.Warn("sidecar exited unexpectedly", zap.Int("exit_code", status.ExitCode), zap.Error(err))
	if s.config.OnExit != nil {
		s.config.OnExit(status)
	}
}

// Stdin はコマンドの書き込み先
func (s *Sidecar) Stdin() io.Writer {
	return s.stdin
}

// Stdout は応答の読み取り元
func (s *Sidecar) Stdout() io.Reader {
	return s.stdout
}

// PID はプロセスIDを返す
func (s *Sidecar) PID() int {
	return s.cmd.Process.Pid
}

// Exited はプロセス終了時にクローズされるチャネルを返す
func (s *Sidecar) Exited() <-chan struct{} {
	return s.exited
}

// Alive はプロセスが動作中かを返す
func (s *Sidecar) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Status は終了状態を返す（動作中はnil）
func (s *Sidecar) Status() *ProcessStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// WaitStatus は最大timeoutの間プロセスの終了を待ち、終了状態を返す（動作中ならnil）
func (s *Sidecar) WaitStatus(timeout time.Duration) *ProcessStatus {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.exited:
	case <-timer.C:
	}
	return s.Status()
}

// MarkStopping は以降の終了を要求済みとして扱う（OnExitを呼ばない）
func (s *Sidecar) MarkStopping() {
	s.stopping.Store(true)
}

// Stop はgraceの間プロセスの終了を待ち、終了しなければ強制終了する。
// 強制終了した場合はforcedがtrueになる。終了済みなら何もしない。
func (s *Sidecar) Stop(grace time.Duration) (forced bool, err error) {
	s.MarkStopping()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-s.exited:
		return false, nil
	case <-timer.C:
	}

	s.logger.Warn("sidecar did not exit in time, killing", zap.Duration("grace", grace))
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return true, fmt.Errorf("kill sidecar: %w", err)
	}
	<-s.exited
	return true, nil
}

// Release は親プロセス側のstdin/stdoutを閉じる。Stopの後に呼ぶこと。
func (s *Sidecar) Release() error {
	var errs []error
	s.releaseOnce.Do(func() {
		if err := s.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close stdout: %w", err))
		}
	})
	return errors.Join(errs...)
}
