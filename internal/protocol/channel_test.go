package protocol_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
	"github.com/y-oga-819/go-intelkit/internal/protocol/protocoltest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestChannel(t *testing.T, handler protocoltest.Handler, timeout time.Duration) (*protocol.Channel, *protocoltest.Worker) {
	t.Helper()
	w := protocoltest.NewWorker(handler)
	ch := protocol.NewChannel(w.Stdin(), w.Stdout(), protocol.ChannelConfig{Timeout: timeout})
	t.Cleanup(func() {
		ch.Close()
		w.Close()
	})
	return ch, w
}

func textMessage(content string) protocol.Message {
	return protocol.Message{SessionID: "s-1", Prompt: "p", Content: content, OutputFormat: protocol.OutputText}
}

func TestChannel_Send(t *testing.T) {
	model := &protocoltest.Model{}
	ch, _ := newTestChannel(t, model.Handler(), time.Second)

	resp, err := ch.Send(context.Background(), protocol.CheckAvailability{})
	require.NoError(t, err)
	assert.True(t, resp.IsAvailable())

	resp, err = ch.Send(context.Background(), protocol.OpenSession{Instructions: "i"})
	require.NoError(t, err)
	assert.Equal(t, "s-1", resp.SessionID)
}

func TestChannel_RemoteError(t *testing.T) {
	ch, _ := newTestChannel(t, func(protocol.Command) protocoltest.Reply {
		return protocoltest.Fail("guardrail_blocked")
	}, time.Second)

	_, err := ch.Send(context.Background(), textMessage("x"))

	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "guardrail_blocked", remote.Message)
	assert.Equal(t, protocol.CommandMessage, remote.Command)
}

func TestChannel_MalformedLineLeavesChannelUsable(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	ch, _ := newTestChannel(t, func(protocol.Command) protocoltest.Reply {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return protocoltest.Raw("Loading model weights...")
		}
		return protocoltest.OK(map[string]any{"available": true})
	}, time.Second)

	_, err := ch.Send(context.Background(), protocol.CheckAvailability{})
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	resp, err := ch.Send(context.Background(), protocol.CheckAvailability{})
	require.NoError(t, err)
	assert.True(t, resp.IsAvailable())
}

func TestChannel_TimeoutAbandonsChannelUntilReset(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	ch, w := newTestChannel(t, func(protocol.Command) protocoltest.Reply {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return protocoltest.Reply{Drop: true}
		}
		return protocoltest.OK(map[string]any{"available": true})
	}, 200*time.Millisecond)

	start := time.Now()
	_, err := ch.Send(context.Background(), protocol.CheckAvailability{})
	require.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Less(t, time.Since(start), 290*time.Millisecond)

	// 同じストリーム上では応答の対応が保証できないので送信しない
	before := w.BytesReceived()
	_, err = ch.Send(context.Background(), protocol.CheckAvailability{})
	assert.ErrorIs(t, err, protocol.ErrChannelBroken)
	assert.Equal(t, before, w.BytesReceived())

	fresh := protocoltest.NewWorker((&protocoltest.Model{}).Handler())
	t.Cleanup(func() { fresh.Close() })
	require.NoError(t, ch.Do(context.Background(), func(tx *protocol.Tx) error {
		assert.True(t, tx.Abandoned())
		tx.Reset(fresh.Stdin(), fresh.Stdout())
		assert.False(t, tx.Abandoned())
		return nil
	}))
	require.NoError(t, w.Close())

	for i := 0; i < 3; i++ {
		resp, err := ch.Send(context.Background(), protocol.CheckAvailability{})
		require.NoError(t, err, "command %d", i+1)
		assert.True(t, resp.IsAvailable())
	}
	assert.Len(t, fresh.Received(), 3)
}

func TestChannel_CallerCancellationReleasesLock(t *testing.T) {
	ch, w := newTestChannel(t, func(cmd protocol.Command) protocoltest.Reply {
		if _, ok := cmd.(protocol.Message); ok {
			reply := protocoltest.OK(map[string]any{"result": "late"})
			reply.Delay = 150 * time.Millisecond
			return reply
		}
		return protocoltest.OK(map[string]any{"available": true})
	}, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ch.Send(ctx, textMessage("cancelled"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, protocol.ErrTimeout)

	// ロックは解放されているが、遅れて届く応答を誤読しないよう送信は拒否する
	start := time.Now()
	_, err = ch.Send(context.Background(), protocol.CheckAvailability{})
	assert.ErrorIs(t, err, protocol.ErrChannelBroken)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Len(t, w.Received(), 1)
}

func TestChannel_OversizedLineIsMalformed(t *testing.T) {
	w := protocoltest.NewWorker(func(cmd protocol.Command) protocoltest.Reply {
		if _, ok := cmd.(protocol.Message); ok {
			return protocoltest.OK(map[string]any{"result": strings.Repeat("a", 200000)})
		}
		return protocoltest.OK(map[string]any{"available": true})
	})
	ch := protocol.NewChannel(w.Stdin(), w.Stdout(), protocol.ChannelConfig{
		Timeout:     time.Second,
		MaxLineSize: 100000,
	})
	t.Cleanup(func() {
		ch.Close()
		w.Close()
	})

	_, err := ch.Send(context.Background(), textMessage("huge"))
	require.ErrorIs(t, err, protocol.ErrMalformed)
	assert.NotErrorIs(t, err, protocol.ErrStreamClosed)

	for i := 0; i < 2; i++ {
		resp, err := ch.Send(context.Background(), protocol.CheckAvailability{})
		require.NoError(t, err)
		assert.True(t, resp.IsAvailable())
	}
}

func TestChannel_FIFOWithoutOverlap(t *testing.T) {
	ch, w := newTestChannel(t, func(cmd protocol.Command) protocoltest.Reply {
		msg := cmd.(protocol.Message)
		reply := protocoltest.OK(map[string]any{"result": msg.Content})
		reply.Delay = 10 * time.Millisecond
		if msg.Content == "c0" {
			reply.Delay = 200 * time.Millisecond
		}
		return reply
	}, 5*time.Second)

	const callers = 5
	var (
		mu        sync.Mutex
		completed []string
		wg        sync.WaitGroup
	)

	call := func(content string) {
		defer wg.Done()
		resp, err := ch.Send(context.Background(), textMessage(content))
		if !assert.NoError(t, err) {
			return
		}
		text, err := resp.Text()
		assert.NoError(t, err)
		assert.Equal(t, content, text, "response must belong to its own request")

		mu.Lock()
		completed = append(completed, content)
		mu.Unlock()
	}

	wg.Add(1)
	go call("c0")
	require.Eventually(t, func() bool { return len(w.Received()) == 1 }, time.Second, 5*time.Millisecond)

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go call(fmt.Sprintf("c%d", i))
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	want := []string{"c0", "c1", "c2", "c3", "c4"}
	assert.Equal(t, want, completed)

	var received []string
	for _, cmd := range w.Received() {
		received = append(received, cmd.(protocol.Message).Content)
	}
	assert.Equal(t, want, received)
	assert.Equal(t, 1, w.MaxInFlight())
}

func TestChannel_DoKeepsCommandsTogether(t *testing.T) {
	model := &protocoltest.Model{}
	ch, w := newTestChannel(t, model.Handler(), time.Second)

	inside := make(chan struct{})
	otherDone := make(chan error, 1)

	err := ch.Do(context.Background(), func(tx *protocol.Tx) error {
		resp, err := tx.Send(context.Background(), protocol.OpenSession{Instructions: "i"})
		if err != nil {
			return err
		}

		go func() {
			close(inside)
			_, err := ch.Send(context.Background(), protocol.CheckAvailability{})
			otherDone <- err
		}()
		<-inside
		time.Sleep(20 * time.Millisecond)

		_, err = tx.Send(context.Background(), protocol.Message{
			SessionID:    resp.SessionID,
			Prompt:       "p",
			Content:      "c",
			OutputFormat: protocol.OutputStringList,
		})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, <-otherDone)

	received := w.Received()
	require.Len(t, received, 3)
	assert.IsType(t, protocol.OpenSession{}, received[0])
	assert.IsType(t, protocol.Message{}, received[1])
	assert.IsType(t, protocol.CheckAvailability{}, received[2])
}

func TestChannel_DoReleasesLockOnError(t *testing.T) {
	model := &protocoltest.Model{}
	ch, _ := newTestChannel(t, model.Handler(), time.Second)

	boom := errors.New("boom")
	err := ch.Do(context.Background(), func(*protocol.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = ch.Send(context.Background(), protocol.CheckAvailability{})
	assert.NoError(t, err)
}

func TestChannel_StreamClosed(t *testing.T) {
	model := &protocoltest.Model{}
	ch, w := newTestChannel(t, model.Handler(), time.Second)

	require.NoError(t, w.CloseOutput())

	_, err := ch.Send(context.Background(), protocol.CheckAvailability{})
	assert.ErrorIs(t, err, protocol.ErrStreamClosed)
}

func TestChannel_Closed(t *testing.T) {
	model := &protocoltest.Model{}
	ch, w := newTestChannel(t, model.Handler(), time.Second)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err := ch.Send(context.Background(), protocol.CheckAvailability{})
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
	assert.Zero(t, w.BytesReceived())
}
