package dispatcher

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Pool is a fixed set of workers, each with its own bounded queue. Tasks
// submitted with the same key always land on the same worker, so they run
// in submission order.
type Pool struct {
	queues []chan func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates workers goroutines with queueSize pending tasks each.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{queues: make([]chan func(), workers)}
	p.wg.Add(workers)
	for i := range p.queues {
		p.queues[i] = make(chan func(), queueSize)
		go p.worker(p.queues[i])
	}
	return p
}

func (p *Pool) worker(q chan func()) {
	defer p.wg.Done()
	for task := range q {
		task()
	}
}

// TrySubmit encola sin bloquear. Devuelve false si la cola del worker está
// llena o el pool ya se cerró.
func (p *Pool) TrySubmit(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	q := p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
	select {
	case q <- task:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting tasks, runs everything already queued and waits
// for the workers to exit. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}
