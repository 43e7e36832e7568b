package clock

import (
	"sync"
	"time"
)

// Clock は現在時刻の取得を抽象化する
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem は time.Now を返すクロックを作成する
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual はテスト用の手動で進めるクロック
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual は t から始まる手動クロックを作成する
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance は時刻を d だけ進める
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set は時刻を t に設定する
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
