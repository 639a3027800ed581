package intelkit

import (
	"sync"
	"time"
)

const reasonNotChecked = "not checked"

// Availability は機能が利用可能かどうかの状態
type Availability struct {
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// gate は起動時の確認結果をキャッシュする。
// 一度利用不可になったら再起動するまで利用可能には戻らない。
type gate struct {
	mu      sync.RWMutex
	state   Availability
	decided bool
	now     func() time.Time
}

func newGate() *gate {
	return &gate{
		state: Availability{Reason: reasonNotChecked},
		now:   time.Now,
	}
}

func (g *gate) get() Availability {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// record は起動時の確認結果を保存する。既に結果があれば何もしない。
func (g *gate) record(available bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decided {
		return
	}
	g.decided = true
	g.state = Availability{Available: available, Reason: reason, CheckedAt: g.now()}
}

// downgrade は利用不可を確定させる。既に利用不可なら最初の理由を保持する。
func (g *gate) downgrade(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decided && !g.state.Available {
		return false
	}
	g.decided = true
	g.state = Availability{Available: false, Reason: reason, CheckedAt: g.now()}
	return true
}

// check は利用不可ならErrUnavailableを返す
func (g *gate) check(op string) error {
	state := g.get()
	if state.Available {
		return nil
	}
	return NewErrorWithDetails(op, ErrUnavailable, state.Reason)
}
