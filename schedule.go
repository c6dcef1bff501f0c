package msghub

import (
	"sync"
	"time"
)

// ScheduleMode selects the repetition policy of a schedule.
type ScheduleMode int

const (
	// ScheduleOnce fires a single time after the initial delay.
	ScheduleOnce ScheduleMode = iota
	// ScheduleFixedRate fires repeatedly, planning each firing one period
	// after the later of the previous planned execution time and the moment
	// the previous instance was taken off the queue. An instance is taken
	// off the queue only once due, so the period runs from that moment.
	ScheduleFixedRate
	// ScheduleFixedDelay fires repeatedly, measuring the period from the
	// moment the previous instance was taken off the queue.
	ScheduleFixedDelay
)

// Schedule is the repetition policy attached to a scheduled action.
// A schedule is returned by the deferred publish and invoke methods of
// the Application and can be cancelled from any goroutine.
type Schedule struct {
	initialDelay time.Duration
	period       time.Duration
	mode         ScheduleMode

	mu         sync.Mutex
	cancelled  bool
	dispatcher *dispatcher
}

// Mode returns the repetition policy.
func (s *Schedule) Mode() ScheduleMode {
	return s.mode
}

// Cancel stops the schedule. Pending queue entries are removed and no
// further executions are produced; an instance already taken off the
// queue but not yet executed is skipped. Cancel is idempotent.
func (s *Schedule) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	d := s.dispatcher
	s.mu.Unlock()

	if d != nil {
		d.removeScheduled(s)
	}
}

// IsCancelled reports whether Cancel has been called.
func (s *Schedule) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// scheduledAction is a queue entry pairing an action with its planned
// execution time. precedingActions gates execution until every unscheduled
// action submitted before the entry's last enqueue has been processed.
type scheduledAction struct {
	at               time.Duration // monotonic nanos relative to dispatcher epoch
	act              action
	schedule         *Schedule
	precedingActions int64
	seq              int64
}

// scheduledQueue is a min-heap of scheduled actions ordered by execution
// time, with the enqueue sequence as a stable tie-break.
type scheduledQueue []*scheduledAction

func (q scheduledQueue) Len() int { return len(q) }

func (q scheduledQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q scheduledQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *scheduledQueue) Push(x any) {
	*q = append(*q, x.(*scheduledAction))
}

func (q *scheduledQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return entry
}
