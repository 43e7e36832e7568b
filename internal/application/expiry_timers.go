package application

import (
	"sync"
	"time"
)

// ExpiryTimers は予約IDごとのプロセス内期限タイマーを管理する
// 再起動で失われるため、期限切れの確定はスイープ側でも行う
type ExpiryTimers struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewExpiryTimers() *ExpiryTimers {
	return &ExpiryTimers{timers: make(map[string]*time.Timer)}
}

// Schedule は delay 経過後に fn を実行する。同じIDの既存タイマーは置き換える
func (t *ExpiryTimers) Schedule(id string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.timers[id] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.timers, id)
		t.mu.Unlock()
		fn()
	})
	t.timers[id] = timer
}

// Cancel は未発火のタイマーを止める
func (t *ExpiryTimers) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Pending は未発火のタイマー数を返す
func (t *ExpiryTimers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop は全タイマーを止め、以降の Schedule を無視する
func (t *ExpiryTimers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
