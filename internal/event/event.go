/*
 * RemoteHub
 *
 * Event bus and task runtime
 */

// Package event implements RemoteHub's process-wide event bus: a
// typed, subscription-filtered fan-out of Events to registered Tasks,
// each with its own FIFO mailbox, grounded on the original
// implementation's common/event.c and common/include/{event,task}.h,
// translated to the channel-based mailbox the design notes in
// SPEC_FULL.md §9 call for instead of a linked list guarded by a
// pthread condition variable.
package event

import (
	"sync"

	"github.com/jlaitinen/remotehub/internal/rhlog"
)

// Type is a one-hot event type bitmask. Client and server event
// spaces are disjoint but share the same runtime.
type Type uint32

// Shared event types.
const (
	Terminate Type = 1 << iota
	Timer1s
	Timer5s

	// Client event types.
	ServerDiscovered
	AttachRequested
	Attached
	AttachFailed
	DetachRequested
	Detached
	DetachFailed
	DevicelistRequest
	DevicelistReady
	DevicelistFailed

	// Server event types.
	LocalDevicelist
	ReqDevicelist
	ReqImport
	DeviceExported
	DeviceUnexported
	DeviceAttached
	DeviceDetached
)

// mailboxWarnDepth is the mailbox depth at which a CRITICAL trace is
// emitted. The original implementation aborts the process at this
// depth; per SPEC_FULL.md's redesign note this implementation instead
// only warns -- the bounded, blocking channel mailbox already supplies
// backpressure.
const mailboxWarnDepth = 100

// mailboxCapacity bounds a task's mailbox. A full mailbox blocks the
// enqueuer, which is the backpressure the design note asks for.
const mailboxCapacity = 256

// Status carries the outcome fields attached to user-visible events
// (ATTACH_FAILED, DETACH_FAILED, DEVICE_EXPORTED, ...).
type Status struct {
	Success      bool
	DevID        uint32
	Port         uint32
	RemoteServer string
}

// Event is one bus message. Data carries the event's opaque payload;
// unlike the original C implementation, Go's garbage collector makes
// manual payload copy-on-enqueue and free-on-dequeue unnecessary --
// Data is handed to every matching Task by reference and is expected
// to be treated as immutable by consumers.
type Event struct {
	Type   Type
	Data   interface{}
	Status Status
}

// Bus is the process-wide event bus. One Bus instance is constructed
// by the embedder (rh-server or rh-client) and shared by reference
// among worker goroutines, per SPEC_FULL.md §9's "Global task list"
// design note.
type Bus struct {
	log *rhlog.Logger

	mu      sync.Mutex
	tasks   []*Task
	running bool

	terminateOnce sync.Once
	terminateCh   chan struct{}
}

// NewBus creates a new, running Bus.
func NewBus(log *rhlog.Logger) *Bus {
	return &Bus{
		log:         log,
		running:     true,
		terminateCh: make(chan struct{}),
	}
}

// Register creates and registers a new Task listening for events
// matching mask. Terminate is always included in the mask so every
// task can observe shutdown.
func (b *Bus) Register(name string, mask Type) *Task {
	t := &Task{
		name:    name,
		mask:    mask | Terminate,
		bus:     b,
		mailbox: make(chan *Event, mailboxCapacity),
	}

	b.mu.Lock()
	b.tasks = append(b.tasks, t)
	b.mu.Unlock()

	return t
}

// Unregister removes a task from the bus. Called during orderly
// shutdown after a task's worker goroutine has exited.
func (b *Bus) Unregister(t *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, t2 := range b.tasks {
		if t2 == t {
			b.tasks = append(b.tasks[:i], b.tasks[i+1:]...)
			return
		}
	}
}

// Enqueue delivers ev to every registered Task whose mask matches its
// Type. It returns false if the bus has already been terminated. A
// Terminate event additionally flips the bus to the stopped state and
// wakes Done(), so further Enqueue calls fail.
func (b *Bus) Enqueue(ev *Event) bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}

	if ev.Type == Terminate {
		b.running = false
		b.terminateOnce.Do(func() { close(b.terminateCh) })
	}

	tasks := make([]*Task, len(b.tasks))
	copy(tasks, b.tasks)
	b.mu.Unlock()

	for _, t := range tasks {
		if t.mask&ev.Type != 0 {
			t.deliver(ev)
		}
	}

	return true
}

// Done returns a channel closed once Terminate has been enqueued.
// The process main goroutine blocks on this and then drives task
// shutdown in reverse-of-init order, per §4.1.
func (b *Bus) Done() <-chan struct{} {
	return b.terminateCh
}

// deliver pushes ev onto t's mailbox, blocking if the mailbox is full
// (the backpressure behaviour called for in place of the original's
// abort-on-overflow) and warning once the queue grows past
// mailboxWarnDepth.
func (t *Task) deliver(ev *Event) {
	if depth := len(t.mailbox); depth > mailboxWarnDepth && t.bus.log != nil {
		t.bus.log.Begin().
			Error('!', "event: task %q mailbox depth %d exceeds warning threshold", t.name, depth).
			Commit()
	}

	t.mailbox <- ev
}
