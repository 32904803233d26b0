// Package sync hosts the engine's integration surface for the KeySync
// finite-state machine: an inbound event queue filled through Inject, the
// handshake callback, and the SyncCannotStart guard. The FSM's own
// transition tables live outside the engine; this package only implements
// the plumbing around them.
package sync

import (
	"context"
	"sync"

	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/status"
)

// Event is a unit of work on the sync queue, injected through Inject.
// The decryption pipeline does not enqueue events itself.
type Event struct {
	// Shutdown, when true, is the queue sentinel terminating the sync
	// consumer.
	Shutdown bool
	// Timeout, when true, is the synthetic event returned by Retrieve on
	// expiry of its threshold.
	Timeout bool
	Payload []byte
}

// HandshakeSignal is the enumerated signal passed to the handshake
// callback: "rating-change", "passphrase-required",
// "key-received", and others the FSM defines; the core only forwards
// the string, it never interprets it.
type HandshakeSignal string

// NotifyHandshakeFunc is the application-supplied callback.
type NotifyHandshakeFunc func(me, partner *identity.Identity, signal HandshakeSignal)

// Driver hosts the FIFO sync event queue and the handshake callback.
// A Driver can be created before any own identity exists; Start fails
// with SyncCannotStart until one does.
type Driver struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	started  bool
	notify   NotifyHandshakeFunc
	hasOwn   func() (bool, error)
}

// New builds a Driver. hasOwnIdentity reports whether the session
// already has at least one own identity, checked by Start.
func New(hasOwnIdentity func() (bool, error)) *Driver {
	d := &Driver{hasOwn: hasOwnIdentity}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start registers the handshake callback and begins accepting events.
func (d *Driver) Start(notify NotifyHandshakeFunc) error {
	if d.hasOwn != nil {
		ok, err := d.hasOwn()
		if err != nil {
			return err
		}
		if !ok {
			return status.New(status.SyncCannotStart)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if notify == nil {
		return status.New(status.SyncNoNotifyCallback)
	}
	d.notify = notify
	d.started = true
	return nil
}

// NotifyHandshake invokes the registered callback. Returns
// SyncNoNotifyCallback if Start was never called.
func (d *Driver) NotifyHandshake(me, partner *identity.Identity, signal HandshakeSignal) error {
	d.mu.Lock()
	notify := d.notify
	d.mu.Unlock()
	if notify == nil {
		return status.New(status.SyncNoNotifyCallback)
	}
	notify(me, partner, signal)
	return nil
}

// Inject enqueues ev for the sync consumer. Non-blocking: the queue
// grows unbounded, there is no backpressure contract.
func (d *Driver) Inject(ev Event) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.cond.Signal()
	d.mu.Unlock()
}

// Retrieve blocks for the next queued event until ctx is cancelled (the
// caller's retrieval threshold, expressed as a context deadline), at
// which point it returns a synthetic Timeout event without error.
func (d *Driver) Retrieve(ctx context.Context) (Event, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 {
		if ctx.Err() != nil {
			return Event{Timeout: true}, nil
		}
		d.cond.Wait()
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	return ev, nil
}
