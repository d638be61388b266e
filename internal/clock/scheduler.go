package clock

import (
	"sort"
	"sync"
	"time"
)

type task struct {
	name     string
	interval time.Duration
	next     time.Time
	fn       func(now time.Time)
}

// Scheduler runs named periodic tasks when Tick observes that their deadline
// has passed. A task that fell several intervals behind runs once and is
// rescheduled relative to the current tick.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*task
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Every registers fn to run each interval. The first run happens on the first
// Tick at or after start+interval.
func (s *Scheduler) Every(name string, interval time.Duration, start time.Time, fn func(now time.Time)) {
	if interval <= 0 || fn == nil {
		return
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, &task{name: name, interval: interval, next: start.Add(interval), fn: fn})
	s.mu.Unlock()
}

// Tick runs every due task in registration order and returns their names.
// Task functions run outside the scheduler lock.
func (s *Scheduler) Tick(now time.Time) []string {
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if now.Before(t.next) {
			continue
		}
		due = append(due, t)
		t.next = now.Add(t.interval)
	}
	s.mu.Unlock()
	names := make([]string, 0, len(due))
	for _, t := range due {
		t.fn(now)
		names = append(names, t.name)
	}
	return names
}

// Next reports the earliest pending deadline.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	deadlines := make([]time.Time, 0, len(s.tasks))
	for _, t := range s.tasks {
		deadlines = append(deadlines, t.next)
	}
	sort.Slice(deadlines, func(i, j int) bool { return deadlines[i].Before(deadlines[j]) })
	return deadlines[0], true
}
