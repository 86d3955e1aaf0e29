package workflow

import (
	"log/slog"
	"sync"

	"github.com/tendant/simple-forensics/internal/ledger"
	"github.com/tendant/simple-forensics/pkg/schema"
)

// Publisher delivers lifecycle events to an external bus. Delivery is best
// effort: a failed publish is logged and never fails the audited operation.
type Publisher interface {
	Publish(ev schema.LifecycleEvent) error
}

const eventBuffer = 1024

// eventPump moves committed audit entries off the ledger's critical section
// and onto the publisher, in sequence order.
type eventPump struct {
	mu     sync.RWMutex
	closed bool
	ch     chan schema.LifecycleEvent
	done   chan struct{}
	pub    Publisher
	logger *slog.Logger
}

func newEventPump(pub Publisher, logger *slog.Logger) *eventPump {
	p := &eventPump{
		ch:     make(chan schema.LifecycleEvent, eventBuffer),
		done:   make(chan struct{}),
		pub:    pub,
		logger: logger,
	}
	go p.loop()
	return p
}

// observe is registered as a ledger observer and must not block.
func (p *eventPump) observe(e ledger.Entry) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- e.LifecycleEvent():
	default:
		recordEventDropped()
		p.logger.Warn("lifecycle event dropped", "seq", e.Seq, "kind", e.Kind)
	}
}

func (p *eventPump) loop() {
	defer close(p.done)
	for ev := range p.ch {
		if err := p.pub.Publish(ev); err != nil {
			p.logger.Warn("failed to publish lifecycle event", "seq", ev.Seq, "kind", ev.Kind, "err", err)
		}
	}
}

// close flushes buffered events and stops the pump.
func (p *eventPump) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	<-p.done
}
