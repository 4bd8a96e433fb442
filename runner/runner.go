// Package runner drives one replica of a play's game. An active runner is the
// authoritative replica: it folds pending events into ticks and appends them
// to the play log. A passive runner only replays ticks already in the log.
package runner

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kasuganosora/playtest/apperr"
	"github.com/kasuganosora/playtest/config"
	"github.com/kasuganosora/playtest/engine"
	"github.com/kasuganosora/playtest/playlog"
	"github.com/kasuganosora/playtest/playtoken"
	"github.com/kasuganosora/playtest/render"
	"github.com/kasuganosora/playtest/scheduler"
)

// Kind is the replica kind.
type Kind string

const (
	Active  Kind = "active"
	Passive Kind = "passive"
)

// Class returns the token class a runner of this kind needs.
func (k Kind) Class() playtoken.Class {
	if k == Active {
		return playtoken.Authoring
	}
	return playtoken.Observing
}

// State is the lifecycle state of a runner.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// frameEpsilon absorbs float error when splitting time into frames.
const frameEpsilon = 1e-6

// Player is the identity a runner presents to the game.
type Player struct {
	ID   string
	Name string
}

// Options configure a runner.
type Options struct {
	Kind    Kind
	PlayID  string
	Token   string
	Log     *playlog.Handle
	Content *engine.Content

	Player        *Player
	RenderingMode render.Mode
	Registry      *render.Registry
	ExternalValue map[string]any
	GameArgs      any

	Harness   config.HarnessConfig
	Scheduler *scheduler.Scheduler
	Logger    *zap.Logger
}

// Runner is one replica. Its methods are safe for concurrent use; frames are
// serialized by the runner's lock.
type Runner struct {
	id     string
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	game        *engine.Game
	provider    render.Provider
	watch       <-chan struct{}
	watchCancel func()
	ticking     bool

	eventCursor int64 // active: next pending event to fold
	tickCursor  int64 // passive: next tick to apply
	nextAge     int64 // active: age of the next tick
	simTime     float64
	accum       float64
	fatal       error
	unreported  error

	subsMu sync.Mutex
	subs   []*Subscription
}

// New creates a runner in StateCreated.
func New(opts Options) (*Runner, error) {
	if opts.Kind != Active && opts.Kind != Passive {
		return nil, apperr.Usage("runner.New", "unknown runner kind %q", string(opts.Kind))
	}
	if opts.Log == nil || opts.Content == nil {
		return nil, apperr.Usage("runner.New", "log and content are required")
	}
	if opts.Kind == Active && !opts.Log.Permission().WriteTick {
		return nil, apperr.Usage("runner.New", "active runner needs an authoring token")
	}
	if opts.Registry == nil {
		opts.Registry = render.Default()
	}
	if opts.Harness.AdvanceTimeout <= 0 {
		opts.Harness.AdvanceTimeout = 5 * time.Second
	}
	if opts.Harness.PollInterval <= 0 {
		opts.Harness.PollInterval = 5 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Runner{
		id:   id,
		opts: opts,
		logger: logger.With(
			zap.String("runner_id", id),
			zap.String("kind", string(opts.Kind)),
			zap.String("play_id", opts.PlayID)),
	}, nil
}

func (r *Runner) ID() string                { return r.id }
func (r *Runner) Kind() Kind                { return r.opts.Kind }
func (r *Runner) PlayID() string            { return r.opts.PlayID }
func (r *Runner) Token() string             { return r.opts.Token }
func (r *Runner) RenderingMode() render.Mode { return r.opts.RenderingMode }

// Provider is the surface provider resolved at Start, nil for ModeNone.
func (r *Runner) Provider() render.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider
}

// Player returns the identity the runner presents, nil when anonymous.
func (r *Runner) Player() *Player { return r.opts.Player }

// Log returns the runner's permission-limited log handle.
func (r *Runner) Log() *playlog.Handle { return r.opts.Log }

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Game returns the running game, nil before Start.
func (r *Runner) Game() *engine.Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.game
}

// FPS is fixed by the content.
func (r *Runner) FPS() int { return r.opts.Content.Config.FPS }

func (r *Runner) frameMS() float64 { return 1000 / float64(r.FPS()) }

// SimTime is the simulated time advanced so far, in ms.
func (r *Runner) SimTime() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.simTime
}

// Consumed is the number of log ticks a passive runner has applied.
func (r *Runner) Consumed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tickCursor
}

// Err returns the fatal error that stopped the runner, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// locked runs fn under the runner lock and reports a fatal error raised by fn
// to the error handlers once the lock is released.
func (r *Runner) locked(fn func() error) error {
	r.mu.Lock()
	err := fn()
	fatal := r.unreported
	r.unreported = nil
	r.mu.Unlock()
	if fatal != nil {
		r.emit(fatal)
	}
	return err
}

func (r *Runner) failLocked(err error) error {
	if r.fatal != nil {
		return r.fatal
	}
	r.fatal = err
	r.unreported = err
	r.state = StateStopped
	r.releaseLocked()
	r.logger.Error("runner stopped by fatal error", zap.Error(err))
	return err
}

func (r *Runner) usableLocked(op string) error {
	switch r.state {
	case StateCreated:
		return apperr.Usage(op, "runner %s is not started", r.id)
	case StateStopped:
		if r.fatal != nil {
			return r.fatal
		}
		return apperr.Usage(op, "runner %s is stopped", r.id)
	}
	return nil
}

// Start builds the game and moves the runner to StateRunning with its
// real-time driver registered. The active runner records the frame-0 start
// point; passive runners read it.
func (r *Runner) Start(ctx context.Context) error {
	return r.locked(func() error {
		if r.state != StateCreated {
			return apperr.Usage("runner.Start", "runner %s already started", r.id)
		}

		provider, err := r.opts.Registry.Resolve(r.opts.RenderingMode)
		if err != nil {
			return r.failLocked(err)
		}
		r.provider = provider

		sp, err := r.startPoint(ctx)
		if err != nil {
			return r.failLocked(err)
		}

		var selfID string
		if r.opts.Player != nil {
			selfID = r.opts.Player.ID
		}
		game, err := engine.New(engine.Options{
			Content:       r.opts.Content,
			Seed:          sp.Data.Seed,
			StartedAt:     sp.Data.StartedAt,
			SelfID:        selfID,
			Active:        r.opts.Kind == Active,
			ExternalValue: r.opts.ExternalValue,
			Args:          r.opts.GameArgs,
			Provider:      provider,
			ScriptTimeout: r.opts.Harness.ScriptTimeout,
			Logger:        r.logger,
		})
		if err != nil {
			return r.failLocked(err)
		}
		r.game = game

		if r.opts.Kind == Passive {
			watch, cancel, err := r.opts.Log.Watch(ctx)
			if err != nil {
				return r.failLocked(err)
			}
			r.watch, r.watchCancel = watch, cancel
		}

		r.state = StateRunning
		if err := r.startTickingLocked(); err != nil {
			return err
		}
		if err := r.flushRaisedLocked(ctx); err != nil {
			return err
		}
		r.logger.Info("runner started",
			zap.Int("fps", r.FPS()),
			zap.String("rendering_mode", string(r.opts.RenderingMode)))
		return nil
	})
}

func (r *Runner) startPoint(ctx context.Context) (playlog.StartPoint, error) {
	if r.opts.Kind == Active {
		now := time.Now().UnixMilli()
		sp := playlog.StartPoint{
			Frame:     0,
			Timestamp: now,
			Data:      playlog.StartPointData{Seed: int64(uuid.New().ID()), StartedAt: now},
		}
		return sp, r.opts.Log.PutStartPoint(ctx, sp)
	}
	sp, err := r.opts.Log.StartPoint(ctx, 0)
	if errors.Is(err, playlog.ErrNoStartPoint) {
		r.logger.Warn("no start point in play log; replaying with seed 0")
		return playlog.StartPoint{}, nil
	}
	return sp, err
}

func (r *Runner) tickerName() string { return "runner:" + r.id }

func (r *Runner) startTickingLocked() error {
	if r.opts.Scheduler == nil || r.ticking {
		return nil
	}
	interval := time.Duration(r.frameMS() * float64(time.Millisecond))
	if err := r.opts.Scheduler.AddTicker(r.tickerName(), interval, r.realtimeTick); err != nil {
		return err
	}
	r.ticking = true
	return nil
}

func (r *Runner) stopTickingLocked() {
	if r.ticking {
		r.opts.Scheduler.Remove(r.tickerName())
		r.ticking = false
	}
}

func (r *Runner) realtimeTick(elapsed time.Duration) {
	_ = r.locked(func() error {
		if r.state != StateRunning {
			return nil
		}
		ms := float64(elapsed) / float64(time.Millisecond)
		if err := r.advanceLocked(context.Background(), ms); err != nil {
			r.logger.Warn("real-time advance failed", zap.Error(err))
		}
		return nil
	})
}

// Pause stops real-time stepping. Explicit advancement keeps working.
func (r *Runner) Pause() error {
	return r.locked(func() error {
		if err := r.usableLocked("runner.Pause"); err != nil {
			return err
		}
		r.stopTickingLocked()
		r.state = StatePaused
		return nil
	})
}

// Resume restarts real-time stepping at the frame interval.
func (r *Runner) Resume() error {
	return r.locked(func() error {
		if err := r.usableLocked("runner.Resume"); err != nil {
			return err
		}
		r.state = StateRunning
		return r.startTickingLocked()
	})
}

// Stop moves the runner to StateStopped and detaches every error
// subscription. Safe to call more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state != StateStopped {
		r.state = StateStopped
		r.releaseLocked()
	}
	if r.game != nil {
		r.game.Close()
	}
	r.mu.Unlock()

	r.subsMu.Lock()
	r.subs = nil
	r.subsMu.Unlock()
	r.logger.Debug("runner stopped")
}

func (r *Runner) releaseLocked() {
	r.stopTickingLocked()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
}

func (r *Runner) flushRaisedLocked(ctx context.Context) error {
	if r.game == nil {
		return nil
	}
	for _, op := range r.game.DrainRaised() {
		if err := r.opts.Log.SendEvent(ctx, op); err != nil {
			r.logger.Warn("raised event dropped", zap.Stringer("code", op.Code), zap.Error(err))
			return err
		}
	}
	return nil
}

// owedFramesLocked adds ms to the accumulator and returns the whole frames
// now due, keeping the remainder.
func (r *Runner) owedFramesLocked(ms float64) int {
	frame := r.frameMS()
	r.accum += ms
	n := int(math.Floor(r.accum/frame + frameEpsilon))
	r.accum -= float64(n) * frame
	if r.accum < 0 {
		r.accum = 0
	}
	return n
}

// activeFramesLocked runs n frames. Pending events are fetched once and all
// go into the first frame.
func (r *Runner) activeFramesLocked(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	ops, err := r.opts.Log.ReadEvents(ctx, r.eventCursor)
	if err != nil {
		return err
	}
	r.eventCursor += int64(len(ops))
	for i := 0; i < n; i++ {
		var frameOps []playlog.Operation
		if i == 0 {
			frameOps = ops
		}
		if err := r.game.Tick(frameOps); err != nil {
			return r.failLocked(err)
		}
		if err := r.opts.Log.AppendTick(ctx, playlog.Tick{Age: r.nextAge, Ops: frameOps}); err != nil {
			return r.failLocked(apperr.Runtime("runner.appendTick", err))
		}
		r.nextAge++
		if err := r.flushRaisedLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// passiveFramesLocked applies up to n ticks already in the log and returns
// how many it applied.
func (r *Runner) passiveFramesLocked(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	ticks, err := r.opts.Log.ReadTicks(ctx, r.tickCursor, int64(n))
	if err != nil {
		return 0, err
	}
	for i, t := range ticks {
		if err := r.game.Tick(t.Ops); err != nil {
			return i, r.failLocked(err)
		}
		r.tickCursor++
		if err := r.flushRaisedLocked(ctx); err != nil {
			return i + 1, err
		}
	}
	return len(ticks), nil
}

func (r *Runner) advanceLocked(ctx context.Context, ms float64) error {
	r.simTime += ms
	n := r.owedFramesLocked(ms)
	if r.opts.Kind == Active {
		return r.activeFramesLocked(ctx, n)
	}
	_, err := r.passiveFramesLocked(ctx, n)
	return err
}

// Advance moves simulated time by ms and runs the frames that became due. The
// log is read once per call, so events sent while it runs wait for the next
// call. A passive runner applies at most the due frames' worth of ticks.
func (r *Runner) Advance(ctx context.Context, ms float64) error {
	if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return apperr.Usage("runner.Advance", "invalid duration %v", ms)
	}
	return r.locked(func() error {
		if err := r.usableLocked("runner.Advance"); err != nil {
			return err
		}
		return r.advanceLocked(ctx, ms)
	})
}

// Step runs one frame with a fresh read of the log. For a passive runner with
// no new tick it does nothing.
func (r *Runner) Step(ctx context.Context) error {
	_, err := r.step(ctx)
	return err
}

func (r *Runner) step(ctx context.Context) (bool, error) {
	var progressed bool
	err := r.locked(func() error {
		if err := r.usableLocked("runner.Step"); err != nil {
			return err
		}
		if r.opts.Kind == Active {
			if err := r.activeFramesLocked(ctx, 1); err != nil {
				return err
			}
			progressed = true
		} else {
			n, err := r.passiveFramesLocked(ctx, 1)
			if err != nil {
				return err
			}
			progressed = n > 0
		}
		if progressed {
			r.simTime += r.frameMS()
		}
		return nil
	})
	return progressed, err
}

// AdvanceUntil steps one frame at a time until cond holds, checking it before
// every frame. cond runs outside the runner lock and may inspect the game. A
// passive runner with nothing to apply waits for the log to grow. timeout is
// real wall-clock time (the configured default when zero); state advanced
// before a timeout is kept.
func (r *Runner) AdvanceUntil(ctx context.Context, cond func() bool, timeout time.Duration) error {
	if cond == nil {
		return apperr.Usage("runner.AdvanceUntil", "condition is required")
	}
	if timeout <= 0 {
		timeout = r.opts.Harness.AdvanceTimeout
	}
	r.mu.Lock()
	watch := r.watch
	r.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	limiter := newPollLimiter(r.opts.Harness.PollInterval)

	for {
		if cond() {
			return nil
		}
		select {
		case <-deadline.C:
			return apperr.Timeout("runner.AdvanceUntil", "condition not met within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		progressed, err := r.step(ctx)
		if err != nil {
			return err
		}
		if progressed {
			continue
		}

		wait := time.NewTimer(limiter.Reserve().Delay())
		select {
		case <-watch:
		case <-wait.C:
		case <-deadline.C:
			wait.Stop()
			return apperr.Timeout("runner.AdvanceUntil", "condition not met within %s", timeout)
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		}
		wait.Stop()
	}
}

// AdvanceToLatest applies every tick appended to the log before the call.
// Only passive runners replay the log.
func (r *Runner) AdvanceToLatest(ctx context.Context, timeout time.Duration) error {
	if r.opts.Kind != Passive {
		return apperr.Usage("runner.AdvanceToLatest", "only passive runners can advance to the latest tick")
	}
	target, err := r.opts.Log.TickCount(ctx)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = r.opts.Harness.AdvanceTimeout
	}
	err = r.AdvanceUntil(ctx, func() bool { return r.Consumed() >= target }, timeout)
	if apperr.KindOf(err) == apperr.KindTimeout {
		return apperr.Timeout("runner.AdvanceToLatest", "applied %d of %d ticks within %s", r.Consumed(), target, timeout)
	}
	return err
}
