package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler receives every envelope published on the channel, including the
// subscriber's own process's publishes.
type Handler func(Envelope)

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(h Handler) (cancel func())
	Close() error
}

// dispatcher fans received envelopes out to local subscribers. Each
// subscriber drains its own FIFO queue on its own goroutine, so a slow
// handler never reorders or blocks the others.
type dispatcher struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
	log    *zap.Logger
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Envelope
	stopped bool
	done    chan struct{}
}

func newDispatcher(log *zap.Logger) *dispatcher {
	return &dispatcher{subs: make(map[int]*subscriber), log: log}
}

func (d *dispatcher) subscribe(h Handler) func() {
	sub := &subscriber{done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	id := d.nextID
	d.nextID++
	d.subs[id] = sub
	d.mu.Unlock()

	go sub.run(h, d.log)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			sub.stop()
		})
	}
}

func (d *dispatcher) deliver(env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subs {
		sub.push(env)
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[int]*subscriber)
	d.closed = true
	d.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (s *subscriber) push(env Envelope) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, env)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

func (s *subscriber) run(h Handler, log *zap.Logger) {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue[0] = Envelope{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("fanout handler panicked", zap.String("type", string(env.Type)), zap.Any("panic", r))
				}
			}()
			h(env)
		}()
	}
}
