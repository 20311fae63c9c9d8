package actionctl

import (
	"context"
	"sync"
)

// JobState is the lifecycle state of a Job.
type JobState int32

const (
	JobPending JobState = iota
	JobActive
	JobFinished
)

// JobWork is the unit of work a Job wraps.
type JobWork func(ctx context.Context) (any, error)

// Job is a single scheduled unit of work in the Dependency Queue.
type Job struct {
	Name   string
	Reads  LockSet
	Writes LockSet

	work     JobWork
	deferred *Deferred
	resolve  func(any)
	reject   func(error)

	mu    sync.Mutex
	state JobState
}

// State returns the Job's current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Queue is the multi-reader/single-writer FIFO scheduler described in
// spec.md §4.2: at most Ceiling jobs are active; no two active jobs have
// overlapping writes, and no active job's writes overlap another active
// job's reads; pending jobs start in strict FIFO order, never skipping an
// incompatible head-of-line job to start a later compatible one.
type Queue struct {
	mu      sync.Mutex
	ceiling int
	pending []*Job
	active  []*Job

	emitter *Emitter
}

// NewQueue constructs a Queue with the given concurrency ceiling, floored at 1.
func NewQueue(ceiling int) *Queue {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Queue{ceiling: ceiling, emitter: NewEmitter()}
}

// Push enqueues work with the given lock footprint, running a scheduling
// pass immediately, and returns a Deferred settling with work's result.
func (q *Queue) Push(work JobWork, reads, writes LockSet, name string) (*Job, *Deferred) {
	d, resolve, reject := NewDeferred()
	j := &Job{Name: name, Reads: reads, Writes: writes, work: work, deferred: d, resolve: resolve, reject: reject}

	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.mu.Unlock()

	q.schedule()
	return j, d
}

// Active returns the number of currently active jobs.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Pending returns the number of currently pending jobs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsIdle reports whether the queue has no active and no pending jobs.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) == 0 && len(q.pending) == 0
}

// FindPending returns the first pending job named name, or nil.
func (q *Queue) FindPending(name string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.pending {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// FindActive returns the first active job named name, or nil.
func (q *Queue) FindActive(name string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.active {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// On registers a listener for the "idle" or "active" signal, emitted when
// the queue transitions between zero active jobs and one-or-more active
// jobs (spec.md §4.2).
func (q *Queue) On(event string, fn func(detail any)) ListenerID {
	return q.emitter.On(event, fn)
}

// Off removes a listener previously registered with On.
func (q *Queue) Off(event string, id ListenerID) {
	q.emitter.Off(event, id)
}

// RemoveAll aborts every pending (not active) job, rejecting their
// Deferreds with ErrCancelled.
func (q *Queue) RemoveAll() {
	q.mu.Lock()
	removed := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, j := range removed {
		j.mu.Lock()
		j.state = JobFinished
		j.mu.Unlock()
		j.reject(ErrCancelled)
	}
}

// compatible reports whether job may run concurrently with the active set,
// per spec.md §4.2's compatibility rule.
func compatible(job *Job, activeReads, activeWrites LockSet) bool {
	if job.Writes.Intersects(activeReads) || job.Writes.Intersects(activeWrites) {
		return false
	}
	if job.Reads.Intersects(activeWrites) {
		return false
	}
	return true
}

// schedule performs the scheduling pass described in spec.md §4.2: start
// the head pending job while it is compatible with all active jobs,
// repeating until nothing more can start or the ceiling is hit. It never
// skips an incompatible head-of-line job to start a later one.
func (q *Queue) schedule() {
	for {
		var toStart *Job
		var wasIdle, becameActive bool

		q.mu.Lock()
		if len(q.active) >= q.ceiling || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}

		activeReads := NewLockSet()
		activeWrites := NewLockSet()
		for _, a := range q.active {
			activeReads = activeReads.Union(a.Reads)
			activeWrites = activeWrites.Union(a.Writes)
		}

		if compatible(q.pending[0], activeReads, activeWrites) {
			toStart = q.pending[0]
			q.pending = q.pending[1:]
			wasIdle = len(q.active) == 0
			q.active = append(q.active, toStart)
			becameActive = true
		}
		q.mu.Unlock()

		if toStart == nil {
			return
		}

		toStart.mu.Lock()
		toStart.state = JobActive
		toStart.mu.Unlock()

		if wasIdle && becameActive {
			q.emitter.Emit("active", nil)
		}

		go q.run(toStart)
	}
}

func (q *Queue) run(j *Job) {
	val, err := j.work(context.Background())

	j.mu.Lock()
	j.state = JobFinished
	j.mu.Unlock()

	q.mu.Lock()
	for i, a := range q.active {
		if a == j {
			q.active = append(q.active[:i], q.active[i+1:]...)
			break
		}
	}
	becameIdle := len(q.active) == 0
	q.mu.Unlock()

	if err != nil {
		j.reject(err)
	} else {
		j.resolve(val)
	}

	if becameIdle {
		q.emitter.Emit("idle", nil)
	}

	q.schedule()
}
