package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/playtest/apperr"
	"github.com/kasuganosora/playtest/config"
	"github.com/kasuganosora/playtest/engine"
	"github.com/kasuganosora/playtest/playlog"
	"github.com/kasuganosora/playtest/render"
	"github.com/kasuganosora/playtest/scheduler"
	"github.com/kasuganosora/playtest/testutil"
)

func newTestLog(t *testing.T) *playlog.Log {
	t.Helper()
	return testutil.NewTestLog(t, "play-1")
}

func basicContent(t *testing.T) *engine.Content {
	t.Helper()
	c, err := engine.LoadContent("../engine/testdata/basic/game.json")
	require.NoError(t, err)
	return c
}

func newRunner(t *testing.T, l *playlog.Log, kind Kind, mut func(*Options)) *Runner {
	t.Helper()
	perm := playlog.PassivePermission
	if kind == Active {
		perm = playlog.ActivePermission
	}
	opts := Options{
		Kind:    kind,
		PlayID:  l.ID(),
		Log:     l.Open(perm),
		Content: basicContent(t),
		Harness: config.HarnessConfig{
			AdvanceTimeout: time.Second,
			PollInterval:   time.Millisecond,
		},
	}
	if mut != nil {
		mut(&opts)
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func startRunner(t *testing.T, l *playlog.Log, kind Kind, mut func(*Options)) *Runner {
	t.Helper()
	r := newRunner(t, l, kind, mut)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Pause())
	return r
}

func TestNewValidatesOptions(t *testing.T) {
	l := newTestLog(t)
	_, err := New(Options{Kind: "sideways", Log: l.Open(playlog.ActivePermission), Content: basicContent(t)})
	assert.ErrorIs(t, err, apperr.ErrUsage)

	_, err = New(Options{Kind: Active, Log: l.Open(playlog.PassivePermission), Content: basicContent(t)})
	assert.ErrorIs(t, err, apperr.ErrUsage)

	_, err = New(Options{Kind: Passive})
	assert.ErrorIs(t, err, apperr.ErrUsage)
}

func TestCallsBeforeStartAreUsageErrors(t *testing.T) {
	r := newRunner(t, newTestLog(t), Active, nil)
	assert.Equal(t, StateCreated, r.State())
	assert.ErrorIs(t, r.Step(context.Background()), apperr.ErrUsage)
	assert.ErrorIs(t, r.Advance(context.Background(), 10), apperr.ErrUsage)
	assert.ErrorIs(t, r.Pause(), apperr.ErrUsage)
}

func TestActiveAdvanceAppendsTicks(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	r := startRunner(t, l, Active, nil)
	assert.Equal(t, StatePaused, r.State())

	require.NoError(t, r.Advance(ctx, 100))
	n, err := l.TickCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.EqualValues(t, 3, r.Game().Age())
	assert.Equal(t, 100.0, r.SimTime())

	ticks, err := l.ReadTicks(ctx, 0, 0)
	require.NoError(t, err)
	for i, tk := range ticks {
		assert.EqualValues(t, i, tk.Age)
	}

	sp, err := l.StartPoint(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, sp.Frame)
	assert.NotZero(t, sp.Data.StartedAt)
}

func TestAdvanceCarriesFractionalFrames(t *testing.T) {
	ctx := context.Background()
	r := startRunner(t, newTestLog(t), Active, nil)

	// 30fps: five 20ms slices make exactly three frames
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Advance(ctx, 20))
	}
	assert.EqualValues(t, 3, r.Game().Age())

	require.NoError(t, r.Advance(ctx, 0))
	assert.EqualValues(t, 3, r.Game().Age())
	assert.ErrorIs(t, r.Advance(ctx, -1), apperr.ErrUsage)
}

func TestAdvanceFetchesEventsOncePerCall(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	r := startRunner(t, l, Active, nil)

	require.NoError(t, l.SendEvent(ctx, playlog.Join(0, "p1", "alice")))
	require.NoError(t, l.SendEvent(ctx, playlog.Join(0, "p2", "bob")))
	require.NoError(t, r.Advance(ctx, 100))

	ticks, err := l.ReadTicks(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Len(t, ticks[0].Ops, 2)
	assert.Empty(t, ticks[1].Ops)
	assert.Empty(t, ticks[2].Ops)

	// consumed events are not folded again
	require.NoError(t, r.Step(ctx))
	last, err := l.ReadTicks(ctx, 3, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Empty(t, last[0].Ops)
}

func TestPassiveReplaysActive(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	active := startRunner(t, l, Active, nil)
	passive := startRunner(t, l, Passive, nil)

	require.NoError(t, l.SendEvent(ctx, playlog.Join(0, "p1", "alice")))
	require.NoError(t, active.Advance(ctx, 200))
	require.NoError(t, passive.AdvanceToLatest(ctx, 0))

	assert.EqualValues(t, 6, passive.Consumed())
	assert.Equal(t, active.Game().Age(), passive.Game().Age())

	var aj, pj []map[string]any
	require.NoError(t, active.Game().EvalJSON("g.game.vars.joins", &aj))
	require.NoError(t, passive.Game().EvalJSON("g.game.vars.joins", &pj))
	assert.Equal(t, aj, pj)
	assert.Len(t, pj, 1)

	var ar, pr []float64
	require.NoError(t, active.Game().EvalJSON("g.game.vars.random", &ar))
	require.NoError(t, passive.Game().EvalJSON("g.game.vars.random", &pr))
	assert.Equal(t, ar, pr)

	var isActive bool
	require.NoError(t, passive.Game().EvalJSON("g.game.vars.active", &isActive))
	assert.False(t, isActive)
}

func TestPassiveAdvanceIsBoundedByDueFrames(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	active := startRunner(t, l, Active, nil)
	passive := startRunner(t, l, Passive, nil)

	require.NoError(t, active.Advance(ctx, 200))
	require.NoError(t, passive.Advance(ctx, 100))
	assert.EqualValues(t, 3, passive.Consumed())

	// only three ticks remain however much time passes
	require.NoError(t, passive.Advance(ctx, 1000))
	assert.EqualValues(t, 6, passive.Consumed())
	assert.Equal(t, 1100.0, passive.SimTime())
}

func TestPassiveWithoutStartPointUsesSeedZero(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	r := startRunner(t, l, Passive, nil)
	require.NoError(t, r.Step(ctx))
	assert.EqualValues(t, 0, r.Consumed())
	assert.Equal(t, 0.0, r.SimTime())
}

func TestAdvanceUntilActive(t *testing.T) {
	ctx := context.Background()
	r := startRunner(t, newTestLog(t), Active, nil)

	var checks int
	err := r.AdvanceUntil(ctx, func() bool {
		checks++
		return r.Game().Age() >= 5
	}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, r.Game().Age())
	assert.Equal(t, 6, checks)

	// already satisfied: no frame runs
	require.NoError(t, r.AdvanceUntil(ctx, func() bool { return true }, 0))
	assert.EqualValues(t, 5, r.Game().Age())

	assert.ErrorIs(t, r.AdvanceUntil(ctx, nil, 0), apperr.ErrUsage)
}

func TestAdvanceUntilTimesOut(t *testing.T) {
	r := startRunner(t, newTestLog(t), Passive, nil)
	start := time.Now()
	err := r.AdvanceUntil(context.Background(), func() bool { return false }, 30*time.Millisecond)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdvanceUntilHonorsContext(t *testing.T) {
	r := startRunner(t, newTestLog(t), Passive, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.AdvanceUntil(ctx, func() bool { return false }, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPassiveWakesOnNewTicks(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	active := startRunner(t, l, Active, nil)
	passive := startRunner(t, l, Passive, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = active.Advance(ctx, 100)
	}()
	err := passive.AdvanceUntil(ctx, func() bool { return passive.Consumed() >= 3 }, 2*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 3, passive.Game().Age())
}

func TestAdvanceToLatestIsPassiveOnly(t *testing.T) {
	r := startRunner(t, newTestLog(t), Active, nil)
	assert.ErrorIs(t, r.AdvanceToLatest(context.Background(), 0), apperr.ErrUsage)
}

func TestRaisedEventsAreSent(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	r := startRunner(t, l, Active, func(o *Options) { o.Player = &Player{ID: "me", Name: "Me"} })
	require.NoError(t, r.Step(ctx))

	msg, err := playlog.Message(0, "p1", map[string]string{"echo": "hi"})
	require.NoError(t, err)
	require.NoError(t, l.SendEvent(ctx, msg))
	require.NoError(t, r.Step(ctx))

	events, err := l.ReadEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "me", events[1].PlayerID)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(events[1].Data))

	// the echo is folded by the next frame
	require.NoError(t, r.Step(ctx))
	var messages []map[string]any
	require.NoError(t, r.Game().EvalJSON("g.game.vars.messages", &messages))
	assert.Len(t, messages, 2)
}

func TestFatalErrorStopsRunner(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	r := startRunner(t, l, Active, nil)
	require.NoError(t, r.Step(ctx))

	var calls, detachedCalls int32
	var got error
	r.OnError(func(err error) {
		atomic.AddInt32(&calls, 1)
		got = err
	})
	sub := r.OnError(func(error) { atomic.AddInt32(&detachedCalls, 1) })
	sub.Detach()
	sub.Detach()

	msg, err := playlog.Message(0, "", map[string]bool{"boom": true})
	require.NoError(t, err)
	require.NoError(t, l.SendEvent(ctx, msg))

	err = r.Step(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRuntime)
	assert.Equal(t, StateStopped, r.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Zero(t, atomic.LoadInt32(&detachedCalls))
	assert.Equal(t, err, got)
	assert.Equal(t, err, r.Err())

	// later calls report the same error without notifying again
	assert.Equal(t, err, r.Advance(ctx, 100))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	n, err := l.TickCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMissingBackendFailsStart(t *testing.T) {
	l := newTestLog(t)
	r := newRunner(t, l, Active, func(o *Options) { o.RenderingMode = render.ModeNapiCanvas })

	var reported error
	r.OnError(func(err error) { reported = err })
	err := r.Start(context.Background())

	var missing *render.MissingBackendError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, render.ModeNapiCanvas, missing.Mode)
	assert.Equal(t, err, reported)
	assert.Equal(t, StateStopped, r.State())
}

func TestCanvasRunnerHasSurface(t *testing.T) {
	r := startRunner(t, newTestLog(t), Active, func(o *Options) { o.RenderingMode = render.ModeCanvas })
	require.NotNil(t, r.Game().Surface())
	assert.Equal(t, 320, r.Game().Surface().Width())
}

func TestResumeDrivesRealTime(t *testing.T) {
	sched := scheduler.New(nil)
	t.Cleanup(sched.Stop)
	l := newTestLog(t)
	r := startRunner(t, l, Active, func(o *Options) { o.Scheduler = sched })
	assert.Empty(t, sched.ListTickers())

	require.NoError(t, r.Resume())
	assert.Equal(t, StateRunning, r.State())
	assert.Eventually(t, func() bool { return r.Game().Age() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Pause())
	assert.Empty(t, sched.ListTickers())
	age := r.Game().Age()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, age, r.Game().Age())
}

func TestStopIsIdempotent(t *testing.T) {
	r := startRunner(t, newTestLog(t), Passive, nil)
	r.Stop()
	r.Stop()
	assert.Equal(t, StateStopped, r.State())
	assert.ErrorIs(t, r.Step(context.Background()), apperr.ErrUsage)
	assert.ErrorIs(t, r.Resume(), apperr.ErrUsage)
}
