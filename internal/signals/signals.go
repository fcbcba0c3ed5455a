package signals

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ShutdownSignal reports the exit signals seen so far. Received never blocks.
type ShutdownSignal interface {
	Received() []os.Signal
}

// ExitSignalReceiver records SIGINT and SIGTERM (or the given signals) instead of letting them
// terminate the process, so the worker can stop at a message boundary.
type ExitSignalReceiver struct {
	mu       sync.Mutex
	received []os.Signal
	ch       chan os.Signal
	done     chan struct{}
	stopOnce sync.Once
}

func NewExitSignalReceiver(sigs ...os.Signal) *ExitSignalReceiver {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	r := &ExitSignalReceiver{
		ch:   make(chan os.Signal, len(sigs)),
		done: make(chan struct{}),
	}
	signal.Notify(r.ch, sigs...)
	go r.loop()
	return r
}

func (r *ExitSignalReceiver) loop() {
	for {
		select {
		case sig := <-r.ch:
			r.record(sig)
		case <-r.done:
			return
		}
	}
}

func (r *ExitSignalReceiver) record(sig os.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seen := range r.received {
		if seen == sig {
			return
		}
	}
	r.received = append(r.received, sig)
}

func (r *ExitSignalReceiver) Received() []os.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]os.Signal(nil), r.received...)
}

// Stop restores default signal handling.
func (r *ExitSignalReceiver) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.ch)
		close(r.done)
	})
}

// Manual is a ShutdownSignal raised by code, for tests and embedded runs.
type Manual struct {
	mu       sync.Mutex
	received []os.Signal
}

func (m *Manual) Raise(sig os.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seen := range m.received {
		if seen == sig {
			return
		}
	}
	m.received = append(m.received, sig)
}

func (m *Manual) Received() []os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]os.Signal(nil), m.received...)
}
