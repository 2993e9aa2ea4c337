package flow

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type (
	// Executor runs outbound work off the caller's goroutine. Work submitted
	// under the same key runs in submission order.
	Executor interface {
		Submit(key string, task func()) bool
	}

	// Lanes is a fixed pool of workers, each owning a bounded queue. A key
	// always maps to the same worker.
	Lanes struct {
		mu     sync.RWMutex
		closed bool
		queues []chan func()
		wg     sync.WaitGroup
		logger *slog.Logger
	}

	// Inline runs every task immediately on the submitting goroutine.
	Inline struct{}
)

var (
	_ Executor = (*Lanes)(nil)
	_ Executor = Inline{}
)

func NewLanes(lanes, queue int, logger *slog.Logger) *Lanes {
	if lanes <= 0 {
		lanes = DefaultLanes
	}
	if queue <= 0 {
		queue = DefaultLaneQueue
	}
	l := &Lanes{
		queues: make([]chan func(), lanes),
		logger: logger,
	}
	for i := range l.queues {
		q := make(chan func(), queue)
		l.queues[i] = q
		l.wg.Add(1)
		go l.work(i, q)
	}
	return l
}

// Submit queues task without blocking. It returns false when the lane is
// full or the pool is closed; the task is then dropped.
func (l *Lanes) Submit(key string, task func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.logger.Warn("outbound task dropped, lanes closed", slog.String("key", key))
		return false
	}
	lane := int(xxhash.Sum64String(key) % uint64(len(l.queues)))
	select {
	case l.queues[lane] <- task:
		return true
	default:
		l.logger.Warn("outbound task dropped, lane full",
			slog.String("key", key), slog.Int("lane", lane))
		return false
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (l *Lanes) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, q := range l.queues {
		close(q)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Pending is the number of queued tasks across all lanes.
func (l *Lanes) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, q := range l.queues {
		n += len(q)
	}
	return n
}

func (l *Lanes) work(lane int, q chan func()) {
	defer l.wg.Done()
	for task := range q {
		l.run(lane, task)
	}
}

func (l *Lanes) run(lane int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("outbound task panicked",
				slog.Int("lane", lane), slog.Any("panic", r))
		}
	}()
	task()
}

func (Inline) Submit(_ string, task func()) bool {
	task()
	return true
}
