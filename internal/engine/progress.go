package engine

import "sync"

type update struct {
	stage string
	step  *int
}

// progressPump decouples an agent's progress reports from the store. report never
// blocks: when the buffer is full the oldest pending update is dropped, which is
// harmless because only the latest stage is kept anyway.
type progressPump struct {
	mu      sync.Mutex
	ch      chan update
	closed  bool
	dropped int
	done    chan struct{}
	record  func(update)
}

func newProgressPump(size int, record func(update)) *progressPump {
	if size < 1 {
		size = 1
	}
	p := &progressPump{
		ch:     make(chan update, size),
		done:   make(chan struct{}),
		record: record,
	}
	go p.run()
	return p
}

func (p *progressPump) run() {
	defer close(p.done)
	for u := range p.ch {
		p.record(u)
	}
}

func (p *progressPump) report(stage string, step *int) {
	u := update{stage: stage}
	if step != nil {
		n := *step
		u.step = &n
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for {
		select {
		case p.ch <- u:
			return
		default:
		}
		select {
		case <-p.ch:
			p.dropped++
		default:
		}
	}
}

// close stops accepting reports and waits until everything pending is recorded.
func (p *progressPump) close() int {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	dropped := p.dropped
	p.mu.Unlock()
	<-p.done
	return dropped
}
