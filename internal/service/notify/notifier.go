package notify

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// Loader reads the current state of the awaited turn from the store.
type Loader func(ctx context.Context) (chat.Turn, error)

// Signaler is implemented by anything that can announce a finished turn.
type Signaler interface {
	Notify(turnID int64)
}

// Notifier 在进程内按 turn id 唤醒长轮询的等待方。
// 同一 id 的所有等待方共享一个 channel，Notify 关闭它即可一次性全部唤醒。
type Notifier struct {
	mu      sync.Mutex
	waiters map[int64]*waiter
}

type waiter struct {
	ch   chan struct{}
	refs int
}

var _ Signaler = (*Notifier)(nil)

func NewNotifier() *Notifier {
	return &Notifier{waiters: make(map[int64]*waiter)}
}

// Notify releases every waiter currently registered for turnID. A signal
// for an id nobody waits on is dropped; the waiter's initial load covers it.
func (n *Notifier) Notify(turnID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.waiters[turnID]; ok {
		close(w.ch)
		delete(n.waiters, turnID)
	}
}

// Await blocks until the turn leaves processing, timeout elapses or ctx is
// done. Registration happens before the first load so a completion landing
// in between still wakes the caller. On timeout the reloaded turn is
// returned as is, normally still processing.
func (n *Notifier) Await(ctx context.Context, turnID int64, timeout time.Duration, load Loader) (chat.Turn, error) {
	w := n.register(turnID)
	defer n.release(turnID, w)

	turn, err := load(ctx)
	if err != nil || turn.Status.Terminal() || timeout <= 0 {
		return turn, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
	case <-timer.C:
	case <-ctx.Done():
		return turn, ctx.Err()
	}
	return load(ctx)
}

// Pending reports how many turn ids currently have waiters.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters)
}

func (n *Notifier) register(turnID int64) *waiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.waiters[turnID]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		n.waiters[turnID] = w
	}
	w.refs++
	return w
}

func (n *Notifier) release(turnID int64, w *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w.refs--
	// Notify may already have removed w, or replaced it with a fresh entry.
	if w.refs == 0 && n.waiters[turnID] == w {
		delete(n.waiters, turnID)
	}
}
