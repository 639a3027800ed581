package protocoltest

import (
	"fmt"
	"sync"
	"time"

	"github.com/y-oga-819/go-intelkit/internal/protocol"
)

// Model はIntelligenceKit風の振る舞いを再現するハンドラ。
// ゼロ値は「利用可能」で、固定のタグと要約を返す。
type Model struct {
	Unavailable string                        // 非空ならavailable:falseとこの理由を返す
	Tags        func(content string) []string // string_list応答
	Summary     func(content string) string   // text応答
	Delay       func(cmd protocol.Command) time.Duration

	mu          sync.Mutex
	nextSession int
	live        map[string]bool
	opened      int
	messages    int
	shutdowns   int
}

// Handler はWorkerに渡すハンドラを返す
func (m *Model) Handler() Handler {
	return func(cmd protocol.Command) Reply {
		reply := m.handle(cmd)
		if m.Delay != nil {
			reply.Delay = m.Delay(cmd)
		}
		return reply
	}
}

func (m *Model) handle(cmd protocol.Command) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live == nil {
		m.live = make(map[string]bool)
	}

	switch c := cmd.(type) {
	case protocol.CheckAvailability:
		if m.Unavailable != "" {
			return OK(map[string]any{"available": false, "reason": m.Unavailable})
		}
		return OK(map[string]any{"available": true})

	case protocol.OpenSession:
		m.nextSession++
		m.opened++
		id := fmt.Sprintf("s-%d", m.nextSession)
		m.live[id] = true
		return OK(map[string]any{"session_id": id})

	case protocol.Message:
		m.messages++
		if !m.live[c.SessionID] {
			return Fail("session_not_found")
		}
		if c.OutputFormat == protocol.OutputStringList {
			tags := []string{"go", "sidecar"}
			if m.Tags != nil {
				tags = m.Tags(c.Content)
			}
			return OK(map[string]any{"result": tags})
		}
		summary := fmt.Sprintf("A summary of %d characters.", len(c.Content))
		if m.Summary != nil {
			summary = m.Summary(c.Content)
		}
		return OK(map[string]any{"result": summary})

	case protocol.CloseSession:
		delete(m.live, c.SessionID)
		return OK(nil)

	case protocol.Shutdown:
		m.shutdowns++
		return OK(nil)
	}

	return Fail("unknown_command")
}

// ExpireSessions はサーバー側のアイドル期限切れを再現する
func (m *Model) ExpireSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = make(map[string]bool)
}

// SessionsOpened はopen-sessionの受信回数を返す
func (m *Model) SessionsOpened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Messages はmessageの受信回数を返す
func (m *Model) Messages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages
}

// Shutdowns はshutdownの受信回数を返す
func (m *Model) Shutdowns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdowns
}
