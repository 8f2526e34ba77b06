package network

import "sync"

// workerPool runs validation work off the event loop so a slow verdict for
// one peer never stalls I/O for the others.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newWorkerPool(workers, backlog int) *workerPool {
	p := &workerPool{tasks: make(chan func(), backlog)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues a task. Returns false when the backlog is full; the caller
// sheds the work instead of blocking the loop.
func (p *workerPool) Submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Close drains the queue and stops the workers.
func (p *workerPool) Close() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
