// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxHistory = 1000

// Entry is a queued or fired event.
type Entry struct {
	ID      int       `json:"id"`
	At      time.Time `json:"at"`
	Event   Event     `json:"-"`
	Summary string    `json:"summary"`
	FiredAt time.Time `json:"fired_at,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Scheduler keeps events sorted by (time, id) and fires those that are due.
// Tasks run on the goroutine calling Monitor, outside the scheduler lock,
// so a task may add or remove events.
type Scheduler struct {
	mutex   sync.Mutex
	queue   []*Entry
	history []Entry
	lastID  int
	// firing maps IDs whose task is running to whether they were removed
	// meanwhile.
	firing map[int]bool
	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty scheduler
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		firing: make(map[int]bool),
		now:    time.Now,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// WithClock replaces the time source used by Run
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Add queues event and returns its ID.
func (s *Scheduler) Add(event Event) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastID++
	s.insert(s.lastID, event)
	return s.lastID
}

func (s *Scheduler) insert(id int, event Event) {
	entry := &Entry{ID: id, At: event.Due(), Event: event, Summary: event.Describe()}
	i := sort.Search(len(s.queue), func(i int) bool {
		q := s.queue[i]
		return q.At.After(entry.At) || (q.At.Equal(entry.At) && q.ID > entry.ID)
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = entry

	s.logger.Debug("Event added", zap.Int("event_id", id), zap.String("event", entry.Summary))
}

// Remove drops a queued event. An event whose task is running is not
// rescheduled when the task returns.
func (s *Scheduler) Remove(id int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.firing[id]; ok {
		s.firing[id] = true
		s.logger.Debug("Firing event removed", zap.Int("event_id", id))
		return nil
	}

	for i, entry := range s.queue {
		if entry.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.logger.Debug("Event removed", zap.Int("event_id", id))
			return nil
		}
	}
	return ErrEventNotFound
}

// Monitor fires every event due at or before now and returns how many fired.
func (s *Scheduler) Monitor(ctx context.Context, now time.Time) int {
	fired := 0
	for {
		entry := s.popDue(now)
		if entry == nil {
			return fired
		}
		fired++

		next, err := entry.Event.Trigger(ctx, now)
		record := *entry
		record.FiredAt = now
		if err != nil {
			record.Error = err.Error()
			s.logger.Warn("Event task failed", zap.Int("event_id", entry.ID), zap.String("event", entry.Summary), zap.Error(err))
		} else {
			s.logger.Debug("Event triggered", zap.Int("event_id", entry.ID), zap.String("event", entry.Summary))
		}

		s.mutex.Lock()
		s.history = append(s.history, record)
		if len(s.history) > maxHistory {
			s.history = s.history[len(s.history)-maxHistory:]
		}
		removed := s.firing[entry.ID]
		delete(s.firing, entry.ID)
		if next != nil && !removed {
			s.insert(entry.ID, next)
		}
		s.mutex.Unlock()
	}
}

func (s *Scheduler) popDue(now time.Time) *Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.queue) == 0 || s.queue[0].At.After(now) {
		return nil
	}
	entry := s.queue[0]
	s.queue = s.queue[1:]
	s.firing[entry.ID] = false
	return entry
}

// Run calls Monitor every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", zap.Duration("tick", tick))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Monitor(ctx, s.now())
		}
	}
}

// Pending returns the queued events in firing order.
func (s *Scheduler) Pending() []Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Entry, len(s.queue))
	for i, entry := range s.queue {
		out[i] = *entry
	}
	return out
}

// History returns fired events, oldest first.
func (s *Scheduler) History() []Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Entry(nil), s.history...)
}
