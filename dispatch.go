package msghub

import (
	"bytes"
	"container/heap"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// dispatcher owns the dispatch goroutine and the two work queues: a FIFO of
// unscheduled actions and a time-ordered heap of scheduled actions. Both
// live under one mutex. The dispatch goroutine is the only goroutine that
// executes actions; external callers merely enqueue.
type dispatcher struct {
	app    *Application
	logger Logger

	mu               sync.Mutex
	queue            []action
	sched            scheduledQueue
	seq              int64
	totalActions     int64 // unscheduled enqueues, ever
	processedActions int64 // unscheduled actions taken off the queue
	exitRequested    bool
	lastSave         time.Duration

	wake chan struct{}
	done chan struct{}

	// monotonic clock: durations relative to process start
	epoch time.Time

	goroutineID atomic.Uint64
}

// processStart is the shared monotonic epoch of every dispatcher.
var processStart = time.Now()

func newDispatcher(app *Application, logger Logger) *dispatcher {
	return &dispatcher{
		app:    app,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		epoch:  processStart,
	}
}

// now returns the monotonic time since the dispatcher epoch.
func (d *dispatcher) now() time.Duration {
	return time.Since(d.epoch)
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// enqueue appends an unscheduled action to the FIFO. Actions submitted
// after exit has been requested are dropped.
func (d *dispatcher) enqueue(act action) {
	d.mu.Lock()
	if d.exitRequested {
		d.mu.Unlock()
		d.logger.Debug("Action dropped, exit already requested")
		return
	}
	d.queue = append(d.queue, act)
	d.totalActions++
	d.mu.Unlock()
	d.signal()
}

// enqueueSchedule arms the first firing of a schedule. The entry records
// the current unscheduled enqueue count so it cannot jump ahead of actions
// submitted before it.
func (d *dispatcher) enqueueSchedule(act action, s *Schedule) {
	s.mu.Lock()
	s.dispatcher = d
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		return
	}

	d.mu.Lock()
	if d.exitRequested {
		d.mu.Unlock()
		d.logger.Debug("Schedule dropped, exit already requested")
		return
	}
	d.seq++
	heap.Push(&d.sched, &scheduledAction{
		at:               d.now() + s.initialDelay,
		act:              act,
		schedule:         s,
		precedingActions: d.totalActions,
		seq:              d.seq,
	})
	d.mu.Unlock()
	d.signal()
}

// removeScheduled drops every pending entry belonging to the schedule.
// Linear scan; the scheduled queue is expected to stay small.
func (d *dispatcher) removeScheduled(s *Schedule) {
	d.mu.Lock()
	kept := d.sched[:0]
	for _, entry := range d.sched {
		if entry.schedule != s {
			kept = append(kept, entry)
		}
	}
	for i := len(kept); i < len(d.sched); i++ {
		d.sched[i] = nil
	}
	d.sched = kept
	heap.Init(&d.sched)
	d.mu.Unlock()
}

// run is the dispatch goroutine body. Startup runs first so gateways are
// started by the loop's goroutine; the outcome is reported through
// startErr before any queued action executes.
func (d *dispatcher) run(startErr chan<- error) {
	defer close(d.done)
	d.goroutineID.Store(currentGoroutineID())

	if err := d.app.startup(); err != nil {
		startErr <- err
		return
	}
	d.mu.Lock()
	d.lastSave = d.now()
	d.mu.Unlock()
	startErr <- nil

	d.loop()
	d.app.shutdown()
}

func (d *dispatcher) loop() {
	for {
		d.mu.Lock()
		if d.exitRequested {
			d.mu.Unlock()
			return
		}
		act := d.nextLocked()
		wait := time.Duration(-1)
		if act == nil {
			wait = d.waitLocked()
		}
		d.mu.Unlock()

		if act != nil {
			d.execute(act)
			d.maybeAutosave()
			continue
		}

		if wait < 0 {
			<-d.wake
		} else {
			t := time.NewTimer(wait)
			select {
			case <-d.wake:
				t.Stop()
			case <-t.C:
			}
		}
		d.maybeAutosave()
	}
}

// nextLocked pops the next runnable action. A due scheduled entry wins over
// the FIFO, but only once every unscheduled action submitted before its
// last enqueue has been processed. Cancelled entries are discarded.
func (d *dispatcher) nextLocked() action {
	now := d.now()
	for len(d.sched) > 0 {
		head := d.sched[0]
		if head.at > now || head.precedingActions > d.processedActions {
			break
		}
		heap.Pop(&d.sched)
		if head.schedule != nil && head.schedule.IsCancelled() {
			continue
		}
		d.rescheduleLocked(head, now)
		return head
	}
	if len(d.queue) > 0 {
		act := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.processedActions++
		return act
	}
	return nil
}

// run executes the entry's action unless its schedule was cancelled after
// the entry was taken off the queue.
func (e *scheduledAction) run(app *Application) error {
	if e.schedule != nil && e.schedule.IsCancelled() {
		return nil
	}
	return e.act.run(app)
}

// rescheduleLocked re-arms a periodic entry at pop time. FixedDelay plans
// from now; FixedRate plans from the later of the entry's planned time and
// now, which is now, since an entry is popped only once it is due. The new
// entry's preceding-action gate resets to the current enqueue count.
func (d *dispatcher) rescheduleLocked(entry *scheduledAction, now time.Duration) {
	s := entry.schedule
	if s == nil || s.mode == ScheduleOnce {
		return
	}
	next := now + s.period
	if s.mode == ScheduleFixedRate {
		if planned := entry.at + s.period; planned > next {
			next = planned
		}
	}
	d.seq++
	heap.Push(&d.sched, &scheduledAction{
		at:               next,
		act:              entry.act,
		schedule:         s,
		precedingActions: d.totalActions,
		seq:              d.seq,
	})
}

// waitLocked computes how long the loop may sleep: until the next scheduled
// head or the next autosave deadline, whichever is sooner. Negative means
// sleep until woken.
func (d *dispatcher) waitLocked() time.Duration {
	wait := time.Duration(-1)
	now := d.now()
	if len(d.sched) > 0 {
		delta := d.sched[0].at - now
		if delta < 0 {
			delta = 0
		}
		wait = delta
	}
	if period := d.app.autosaveInterval(); period > 0 && d.app.hasStorage() {
		delta := d.lastSave + period - now
		if delta < 0 {
			delta = 0
		}
		if wait < 0 || delta < wait {
			wait = delta
		}
	}
	return wait
}

// execute runs one action to completion. Faults are logged and swallowed
// so a misbehaving gateway or listener cannot take the loop down.
func (d *dispatcher) execute(act action) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in dispatched action", "panic", r)
		}
	}()
	if err := act.run(d.app); err != nil {
		d.logger.Error("Dispatched action failed", "error", err)
	}
}

func (d *dispatcher) maybeAutosave() {
	period := d.app.autosaveInterval()
	if period <= 0 || !d.app.hasStorage() {
		return
	}
	d.mu.Lock()
	due := d.now()-d.lastSave > period
	d.mu.Unlock()
	if due {
		d.app.saveState()
	}
}

// markSaved records a completed save for autosave bookkeeping.
func (d *dispatcher) markSaved() {
	d.mu.Lock()
	d.lastSave = d.now()
	d.mu.Unlock()
}

// requestExit flags the loop to stop after the action currently executing.
func (d *dispatcher) requestExit() {
	d.mu.Lock()
	d.exitRequested = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) exitPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitRequested
}

// isDispatchGoroutine reports whether the calling goroutine is the one
// running the dispatch loop.
func (d *dispatcher) isDispatchGoroutine() bool {
	id := d.goroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

// currentGoroutineID parses the numeric goroutine id from the stack
// header. Used only for the application-thread assertion helper.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
