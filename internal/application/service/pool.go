package service

import (
	"sync"

	"fulfillment/internal/appers"

	"golang.org/x/sync/errgroup"
)

// CompletionPool - ограниченный пул, на котором выполняются mark-published/mark-failed
// после ответа брокера. Колбэки продюсера только ставят задачу и не ходят в БД сами.
type CompletionPool struct {
	mu     sync.RWMutex
	closed bool
	g      errgroup.Group
}

func NewCompletionPool(workers int) *CompletionPool {
	if workers <= 0 {
		workers = 1
	}
	p := &CompletionPool{}
	p.g.SetLimit(workers)
	return p
}

// Submit блокируется, пока все воркеры заняты.
func (p *CompletionPool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return appers.ErrPoolClosed
	}
	p.g.Go(func() error {
		task()
		return nil
	})
	return nil
}

// Close перестаёт принимать задачи и дожидается уже поставленных.
func (p *CompletionPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.g.Wait()
}
