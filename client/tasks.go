package client

import (
	"sync"
	"time"

	"github.com/ksinghal/mqtt-nio/encoding"
)

// Verdict is a task predicate's judgment of one inbound packet.
type Verdict int

const (
	// VerdictIgnore leaves the packet for later tasks.
	VerdictIgnore Verdict = iota
	// VerdictMatch completes the task with this packet.
	VerdictMatch
	// VerdictErr completes the task with an error; the packet keeps being
	// offered to the remaining tasks.
	VerdictErr
)

// Predicate inspects an inbound packet and decides whether it completes the
// request. The returned error is only meaningful with VerdictErr.
type Predicate func(pkt encoding.Packet) (Verdict, error)

// taskResult carries a task's completion: exactly one of pkt or err is set.
type taskResult struct {
	pkt encoding.Packet
	err error
}

// task is one pending request awaiting an inbound packet.
type task struct {
	id        uint64
	predicate Predicate
	done      chan taskResult
	timer     *time.Timer
}

// taskRegistry correlates inbound control packets with in-flight requests.
// Tasks are offered packets in registration order; the first match wins.
type taskRegistry struct {
	mu     sync.Mutex
	tasks  []*task
	nextID uint64
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{}
}

// register adds a pending task. A nonzero deadline fails the task with
// ErrTimeout when it elapses; the expiry affects only this task.
func (r *taskRegistry) register(deadline time.Duration, predicate Predicate) *task {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	t := &task{
		id:        r.nextID,
		predicate: predicate,
		done:      make(chan taskResult, 1),
	}
	r.tasks = append(r.tasks, t)

	if deadline > 0 {
		t.timer = time.AfterFunc(deadline, func() {
			r.fail(t, ErrTimeout)
		})
	}

	return t
}

// match offers an inbound packet to every pending task in registration
// order. The first task whose predicate matches is completed with the
// packet and removed; a predicate error completes only its own task, and
// the packet continues to the remaining tasks. Returns true when any task
// matched the packet or failed on it.
func (r *taskRegistry) match(pkt encoding.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := false
	erred := false
	kept := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if matched {
			// The packet is already claimed; later tasks keep waiting.
			kept = append(kept, t)
			continue
		}

		verdict, err := t.predicate(pkt)
		switch verdict {
		case VerdictMatch:
			if t.timer != nil {
				t.timer.Stop()
			}
			t.done <- taskResult{pkt: pkt}
			matched = true
		case VerdictErr:
			if t.timer != nil {
				t.timer.Stop()
			}
			t.done <- taskResult{err: err}
			erred = true
		default:
			kept = append(kept, t)
		}
	}
	r.tasks = kept

	return matched || erred
}

// remove withdraws a task without completing it, as on caller cancellation.
// The wire exchange already in flight is unaffected; a late acknowledgment
// will simply find no task and be discarded.
func (r *taskRegistry) remove(t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(t)
	if t.timer != nil {
		t.timer.Stop()
	}
}

// fail completes a task with an error if it is still pending.
func (r *taskRegistry) fail(t *task, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pending := range r.tasks {
		if pending == t {
			r.completeLocked(t, taskResult{err: err})
			return
		}
	}
}

// cancelAll completes every outstanding task with the given cause. Called
// on connection teardown; the registry holds nothing afterwards.
func (r *taskRegistry) cancelAll(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
		t.done <- taskResult{err: cause}
	}
	r.tasks = nil
}

// pending returns the number of outstanding tasks.
func (r *taskRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *taskRegistry) completeLocked(t *task, result taskResult) {
	if t.timer != nil {
		t.timer.Stop()
	}
	r.removeLocked(t)
	t.done <- result
}

func (r *taskRegistry) removeLocked(t *task) {
	for i, pending := range r.tasks {
		if pending == t {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			return
		}
	}
}
