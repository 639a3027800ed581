package transport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestHelperProcess はテスト用のサイドカーとして動作する（直接は実行しない）
func TestHelperProcess(t *testing.T) {
	if os.Getenv("INTELKIT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("INTELKIT_HELPER_MODE") {
	case "stderr":
		fmt.Fprintln(os.Stderr, "loading model")
		fmt.Fprintln(os.Stderr, "ready")
		io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("INTELKIT_HELPER_EXIT_CODE"))
		os.Exit(code)
	case "echo":
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		os.Exit(0)
	case "graceful":
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), "shutdown") {
				os.Exit(0)
			}
		}
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperConfig(mode string, env map[string]string) Config {
	merged := map[string]string{
		"INTELKIT_HELPER_PROCESS": "1",
		"INTELKIT_HELPER_MODE":    mode,
	}
	for k, v := range env {
		merged[k] = v
	}
	return Config{
		BinaryPath: os.Args[0],
		Args:       []string{"-test.run=^TestHelperProcess$", "--"},
		Env:        merged,
	}
}

func spawnHelper(t *testing.T, config Config) *Sidecar {
	t.Helper()
	s, err := Spawn(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Stop(time.Second)
		s.Release()
	})
	return s
}

func TestSpawn_BinaryNotFound(t *testing.T) {
	_, err := Spawn(Config{BinaryPath: filepath.Join(t.TempDir(), "IntelligenceKit")})
	assert.ErrorIs(t, err, ErrSpawn)
	assert.ErrorIs(t, err, ErrBinaryNotFound)

	_, err = Spawn(Config{})
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestSpawn_NotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IntelligenceKit")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	_, err := Spawn(Config{BinaryPath: path})
	assert.ErrorIs(t, err, ErrSpawn)
	assert.ErrorIs(t, err, ErrNotExecutable)

	_, err = Spawn(Config{BinaryPath: t.TempDir()})
	assert.ErrorIs(t, err, ErrNotExecutable)
}

func TestSidecar_EchoRoundTrip(t *testing.T) {
	s := spawnHelper(t, helperConfig("echo", nil))
	assert.True(t, s.Alive())
	assert.Positive(t, s.PID())

	_, err := io.WriteString(s.Stdin(), `{"command":"check-availability"}`+"\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(s.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"command":"check-availability"}`+"\n", line)
}

func TestSidecar_ForwardsStderrWithPrefix(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	config := helperConfig("stderr", nil)
	config.Logger = zap.New(core)

	s := spawnHelper(t, config)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("[IntelligenceKit] ready").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("[IntelligenceKit] loading model").Len())

	// stdinを閉じるとヘルパーは終了する
	s.MarkStopping()
	require.NoError(t, s.Release())
	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("sidecar did not exit after stdin was closed")
	}
}

func TestSidecar_UnexpectedExitCallsOnExit(t *testing.T) {
	statuses := make(chan ProcessStatus, 1)
	config := helperConfig("exit", map[string]string{"INTELKIT_HELPER_EXIT_CODE": "3"})
	config.OnExit = func(status ProcessStatus) { statuses <- status }

	s := spawnHelper(t, config)

	select {
	case status := <-statuses:
		assert.Equal(t, 3, status.ExitCode)
		assert.False(t, status.Requested)
		assert.Error(t, status.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("OnExit was not called")
	}

	assert.False(t, s.Alive())
	require.NotNil(t, s.Status())
	assert.Equal(t, 3, s.Status().ExitCode)
}

func TestSidecar_RequestedExitSkipsOnExit(t *testing.T) {
	var called atomic.Bool
	config := helperConfig("graceful", nil)
	config.OnExit = func(ProcessStatus) { called.Store(true) }

	s := spawnHelper(t, config)

	s.MarkStopping()
	_, err := io.WriteString(s.Stdin(), `{"command":"shutdown"}`+"\n")
	require.NoError(t, err)

	forced, err := s.Stop(5 * time.Second)
	require.NoError(t, err)
	assert.False(t, forced)
	assert.False(t, s.Alive())
	assert.False(t, called.Load())
	assert.True(t, s.Status().Requested)
}

func TestSidecar_StopKillsAfterGrace(t *testing.T) {
	var called atomic.Bool
	config := helperConfig("hang", nil)
	config.OnExit = func(ProcessStatus) { called.Store(true) }

	s := spawnHelper(t, config)

	start := time.Now()
	forced, err := s.Stop(200 * time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, forced)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
	assert.False(t, s.Alive())
	assert.Equal(t, -1, s.Status().ExitCode)
	assert.False(t, called.Load())
}

func TestSidecar_StopAfterExitIsNoop(t *testing.T) {
	config := helperConfig("exit", map[string]string{"INTELKIT_HELPER_EXIT_CODE": "0"})
	s := spawnHelper(t, config)

	<-s.Exited()

	start := time.Now()
	forced, err := s.Stop(time.Minute)
	require.NoError(t, err)
	assert.False(t, forced)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
}

func TestSidecar_WaitStatus(t *testing.T) {
	exiting := spawnHelper(t, helperConfig("exit", map[string]string{"INTELKIT_HELPER_EXIT_CODE": "5"}))
	status := exiting.WaitStatus(5 * time.Second)
	require.NotNil(t, status)
	assert.Equal(t, 5, status.ExitCode)

	hanging := spawnHelper(t, helperConfig("hang", nil))
	start := time.Now()
	assert.Nil(t, hanging.WaitStatus(50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}
