package runner

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrorHandler receives the fatal error that stopped a runner.
type ErrorHandler func(err error)

// Subscription is a registered ErrorHandler.
type Subscription struct {
	r    *Runner
	fn   ErrorHandler
	once sync.Once
}

// Detach unregisters the handler. Calling it again does nothing.
func (s *Subscription) Detach() {
	s.once.Do(func() { s.r.detach(s) })
}

// OnError registers fn to be called, outside the runner lock, when a fatal
// error stops the runner.
func (r *Runner) OnError(fn ErrorHandler) *Subscription {
	s := &Subscription{r: r, fn: fn}
	r.subsMu.Lock()
	r.subs = append(r.subs, s)
	r.subsMu.Unlock()
	return s
}

func (r *Runner) detach(s *Subscription) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for i, cur := range r.subs {
		if cur == s {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *Runner) emit(err error) {
	r.subsMu.Lock()
	subs := make([]*Subscription, len(r.subs))
	copy(subs, r.subs)
	r.subsMu.Unlock()
	for _, s := range subs {
		s.fn(err)
	}
}

// newPollLimiter paces passive re-reads of the log while no tick is waiting.
func newPollLimiter(interval time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(interval), 1)
}
