// Package scheduler drives named periodic tasks in real time. Runners resumed
// outside of explicit advancement register one ticker each.
package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when registering on a stopped scheduler.
var ErrStopped = errors.New("scheduler: stopped")

// TaskFn receives the real time elapsed since its previous run (or since
// registration for the first run).
type TaskFn func(elapsed time.Duration)

// Scheduler manages periodic tasks.
type Scheduler struct {
	mu      sync.Mutex
	tickers map[string]*tickerEntry
	logger  *zap.Logger
	stopCh  chan struct{}
	stopped bool
}

type tickerEntry struct {
	ticker *time.Ticker
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tickers: make(map[string]*tickerEntry),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
}

// AddTicker registers a task to run on a fixed interval.
// If a task with the same name exists, it is replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	if old, ok := s.tickers[name]; ok {
		close(old.stopCh)
		delete(s.tickers, name)
	}

	entry := &tickerEntry{
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.tickers[name] = entry

	go func() {
		defer close(entry.done)
		defer entry.ticker.Stop()
		last := time.Now()
		for {
			select {
			case now := <-entry.ticker.C:
				elapsed := now.Sub(last)
				last = now
				func() {
					defer func() {
						if r := recover(); r != nil {
							s.logger.Error("scheduler task panicked",
								zap.String("task", name),
								zap.Any("recover", r))
						}
					}()
					fn(elapsed)
				}()
			case <-entry.stopCh:
				return
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Debug("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
	return nil
}

// Remove stops a ticker by name and reports whether it existed. It does not
// wait for a run in progress; use RemoveWait for that.
func (s *Scheduler) Remove(name string) bool {
	_, ok := s.remove(name)
	return ok
}

// RemoveWait stops a ticker and waits until its goroutine has exited. It must
// not be called from inside the task itself.
func (s *Scheduler) RemoveWait(name string) bool {
	entry, ok := s.remove(name)
	if ok {
		<-entry.done
	}
	return ok
}

func (s *Scheduler) remove(name string) (*tickerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tickers[name]
	if ok {
		close(entry.stopCh)
		delete(s.tickers, name)
	}
	return entry, ok
}

// Stop stops all tasks. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.tickers = make(map[string]*tickerEntry)
}

// ListTickers returns the sorted names of all registered tasks.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tickers))
	for name := range s.tickers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
