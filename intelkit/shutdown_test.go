package intelkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/y-oga-819/go-intelkit/internal/transport"
)

func TestStart_Sidecar(t *testing.T) {
	logger, logs := newObservedLogger()
	opts := helperOptions("worker")
	opts.Logger = logger

	c := Start(context.Background(), opts)

	assert.True(t, c.CheckAvailability(context.Background()).Available)

	tags, err := c.GenerateTags(context.Background(), "content")
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "sidecar"}, tags)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("[IntelligenceKit] ready").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 2*time.Second)

	sidecar := c.proc.(*transport.Sidecar)
	assert.False(t, sidecar.Alive())
	assert.True(t, sidecar.Status().Requested)
	assert.Zero(t, logs.FilterMessage("sidecar force-killed after grace period").Len())
}

func TestShutdown_ForceKillsAfterGrace(t *testing.T) {
	logger, logs := newObservedLogger()
	opts := helperOptions("deaf")
	opts.Logger = logger
	opts.ShutdownGrace = 300 * time.Millisecond

	c := Start(context.Background(), opts)
	require.True(t, c.CheckAvailability(context.Background()).Available)

	start := time.Now()
	require.NoError(t, c.Shutdown(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, 1, logs.FilterMessage("sidecar force-killed after grace period").Len())
	assert.False(t, c.proc.(*transport.Sidecar).Alive())
}

func TestStart_UnexpectedExitDowngrades(t *testing.T) {
	opts := helperOptions("crash")
	c := Start(context.Background(), opts)
	defer c.Close()

	require.Eventually(t, func() bool {
		return !c.CheckAvailability(context.Background()).Available
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, c.CheckAvailability(context.Background()).Reason, "exit code 7")

	_, err := c.GenerateTags(context.Background(), "content")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestShutdown_WithoutSidecarIsNoop(t *testing.T) {
	c := Start(context.Background(), &Options{BinaryPath: "/nonexistent/IntelligenceKit"})

	start := time.Now()
	assert.NoError(t, c.Shutdown(context.Background()))
	assert.NoError(t, c.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestStart_CrashReportsExitCode(t *testing.T) {
	opts := helperOptions("crash")
	opts.SkipPriming = true
	c := Start(context.Background(), opts)
	defer c.Close()
	require.True(t, c.CheckAvailability(context.Background()).Available)

	_, err := c.GenerateTags(context.Background(), "content")
	require.ErrorIs(t, err, ErrProcessExited)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 7, e.ExitCode)
}
