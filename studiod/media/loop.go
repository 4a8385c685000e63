package media

import (
	"sync"
	"sync/atomic"
)

// Loop is a main loop running callbacks in FIFO order on the goroutine that
// called Run. It is the MainContext used when no glib main loop is around.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	quit    chan struct{}
	once    sync.Once
	running atomic.Bool
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Run blocks until Quit is called.
func (l *Loop) Run() {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
			select {
			case <-l.quit:
				return
			default:
			}
		}

		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) Quit() {
	l.once.Do(func() { close(l.quit) })
}

func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// Invoke queues fn to run on the loop goroutine.
func (l *Loop) Invoke(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// inlineContext runs callbacks on the invoking goroutine. Callbacks invoked
// while another one runs are queued behind it.
type inlineContext struct {
	mu       sync.Mutex
	tasks    []func()
	draining bool
}

func (c *inlineContext) Invoke(fn func()) {
	c.mu.Lock()
	c.tasks = append(c.tasks, fn)
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.tasks) > 0 {
		task := c.tasks[0]
		c.tasks = c.tasks[1:]
		c.mu.Unlock()
		task()
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// InlineContext returns a MainContext that runs callbacks in FIFO order
// without a loop goroutine.
func InlineContext() MainContext {
	return &inlineContext{}
}
