package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/playtest/apperr"
	"github.com/kasuganosora/playtest/asset"
	"github.com/kasuganosora/playtest/engine"
	"github.com/kasuganosora/playtest/playlog"
	"github.com/kasuganosora/playtest/render"
	"github.com/kasuganosora/playtest/runner"
)

const (
	helloworld = "testdata/helloworld/game.json"
	raiseEvent = "testdata/raise-event/game.json"
	legacy     = "testdata/legacy/game.json"
)

func newContext(t *testing.T, opts Options) *Context {
	t.Helper()
	if opts.LogWriter == nil {
		opts.LogWriter = &bytes.Buffer{}
	}
	if opts.DiagnosticWriter == nil {
		opts.DiagnosticWriter = &bytes.Buffer{}
	}
	c, err := NewContext(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func evalInt(t *testing.T, g *engine.Game, src string) int {
	t.Helper()
	var n int
	require.NoError(t, g.EvalJSON(src, &n))
	return n
}

type eventPlayer struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type gameEvent struct {
	Data       map[string]any `json:"data"`
	EventFlags int            `json:"eventFlags"`
	Local      bool           `json:"local"`
	Player     eventPlayer    `json:"player"`
}

func TestEmptyContent(t *testing.T) {
	c := newContext(t, Options{})
	active, err := c.GameClient(context.Background(), StartParams{})
	require.NoError(t, err)

	assert.Equal(t, runner.Active, active.Kind())
	g := active.Game()
	assert.Equal(t, 1280, g.Width())
	assert.Equal(t, 720, g.Height())
	assert.Equal(t, 60, g.FPS())
}

func TestHelloworld(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: helloworld})

	active, err := c.GameClient(ctx, StartParams{GameArgs: "active"})
	require.NoError(t, err)
	assert.Equal(t, runner.Active, active.Kind())
	g := active.Game()
	assert.Equal(t, 800, g.Width())
	assert.Equal(t, 450, g.Height())
	assert.Equal(t, 60, g.FPS())

	require.NoError(t, active.AdvanceUntil(ctx, SceneIs("entry-scene"), 0))
	assert.Equal(t, 4, evalInt(t, g, "Object.keys(g.game.scene().assets).length"))
	assert.Equal(t, 1, evalInt(t, g, "g.game.scene().children.length"))

	passive, err := c.PassiveGameClient(ctx, StartParams{GameArgs: "passive"})
	require.NoError(t, err)
	assert.Equal(t, runner.Passive, passive.Kind())
	require.NoError(t, passive.AdvanceUntil(ctx, SceneIs("entry-scene"), 0))
	pg := passive.Game()
	assert.Equal(t, 4, evalInt(t, pg, "Object.keys(g.game.scene().assets).length"))
	assert.Equal(t, 1, evalInt(t, pg, "g.game.scene().children.length"))

	var args string
	require.NoError(t, pg.EvalJSON("g.game.vars.args", &args))
	assert.Equal(t, "passive", args)

	// every press fires a shot
	require.NoError(t, active.SendPointDown(ctx, 120, 80, 0))
	c.StepAllOnce(ctx)
	assert.Equal(t, 2, evalInt(t, g, "g.game.scene().children.length"))

	require.NoError(t, active.SendPointDown(ctx, 640, 300, 0))
	c.StepAllOnce(ctx)
	assert.Equal(t, 3, evalInt(t, g, "g.game.scene().children.length"))

	// shots leave the screen long before three seconds pass
	require.NoError(t, c.AdvanceFramewise(ctx, 3000))
	assert.Equal(t, 1, evalInt(t, g, "g.game.scene().children.length"))

	require.NoError(t, passive.AdvanceToLatest(ctx, 0))
	assert.Equal(t, g.Age(), pg.Age())
	assert.Equal(t, 1, evalInt(t, pg, "g.game.scene().children.length"))

	require.NoError(t, c.TeardownSession(ctx))
}

func startBoth(t *testing.T, c *Context) (*Client, *Client) {
	t.Helper()
	ctx := context.Background()
	active, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	passive, err := c.PassiveGameClient(ctx, StartParams{})
	require.NoError(t, err)
	require.NoError(t, active.AdvanceUntil(ctx, SceneIs("entry-scene"), 0))
	require.NoError(t, passive.AdvanceUntil(ctx, SceneIs("entry-scene"), 0))
	return active, passive
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: helloworld})
	active, passive := startBoth(t, c)

	require.NoError(t, active.SendMessage(ctx, map[string]string{"value": "foo"}, WithPlayer(":akashic"), WithFlags(0b00010)))

	for _, client := range []*Client{active, passive} {
		require.NoError(t, client.AdvanceUntil(ctx, VarLenAtLeast("messages", 1), 0))
		var messages []gameEvent
		require.NoError(t, client.Game().EvalJSON("g.game.vars.messages", &messages))
		require.Len(t, messages, 1, client.Kind())
		assert.Equal(t, map[string]any{"value": "foo"}, messages[0].Data)
		assert.Equal(t, 0b00010, messages[0].EventFlags)
		assert.False(t, messages[0].Local)
		assert.Equal(t, eventPlayer{ID: ":akashic"}, messages[0].Player)
	}
}

func TestJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: helloworld})
	active, passive := startBoth(t, c)
	clients := []*Client{active, passive}

	waitFor := func(name string, n int) []gameEvent {
		var last []gameEvent
		for _, client := range clients {
			require.NoError(t, client.AdvanceUntil(ctx, VarLenAtLeast(name, n), 0))
			var events []gameEvent
			require.NoError(t, client.Game().EvalJSON("g.game.vars."+name, &events))
			require.Len(t, events, n, client.Kind())
			if last != nil {
				assert.Equal(t, last, events)
			}
			last = events
		}
		return last
	}

	require.NoError(t, active.SendJoinEvent(ctx, ":akashic", "system-user"))
	joins := waitFor("joins", 1)
	assert.Equal(t, eventPlayer{ID: ":akashic", Name: "system-user"}, joins[0].Player)
	assert.Equal(t, 0, joins[0].EventFlags)

	require.NoError(t, active.SendJoinEvent(ctx, "another-user-id", "another-user-name", WithFlags(0b00010)))
	joins = waitFor("joins", 2)
	assert.Equal(t, eventPlayer{ID: "another-user-id", Name: "another-user-name"}, joins[1].Player)
	assert.Equal(t, 0b00010, joins[1].EventFlags)

	require.NoError(t, active.SendLeaveEvent(ctx, ":akashic"))
	leaves := waitFor("leaves", 1)
	assert.Equal(t, eventPlayer{ID: ":akashic", Name: "system-user"}, leaves[0].Player)
	assert.Equal(t, 0, leaves[0].EventFlags)

	require.NoError(t, active.SendLeaveEvent(ctx, "another-user-id", WithFlags(0b00001)))
	leaves = waitFor("leaves", 2)
	assert.Equal(t, eventPlayer{ID: "another-user-id", Name: "another-user-name"}, leaves[1].Player)
	assert.Equal(t, 0b00001, leaves[1].EventFlags)
}

func TestAdvanceToLatestOnActiveIsUsageError(t *testing.T) {
	c := newContext(t, Options{GameJSONPath: helloworld})
	active, err := c.GameClient(context.Background(), StartParams{})
	require.NoError(t, err)
	assert.ErrorIs(t, active.AdvanceToLatest(context.Background(), 0), apperr.ErrUsage)
}

func TestDummyAssets(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{})
	active, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)

	img, err := active.CreateDummyImageAsset(ctx, asset.ImageSpec{
		ID: "dummy-image-asset-id", Path: "dummy-image-asset-path", Width: 150, Height: 107,
	})
	require.NoError(t, err)
	assert.Equal(t, "dummy-image-asset-id", img.ID)
	assert.Equal(t, "dummy-image-asset-path", img.Path)
	assert.Equal(t, 150, img.Width)
	assert.Equal(t, 107, img.Height)

	a, err := active.CreateDummyImageAsset(ctx, asset.ImageSpec{Width: 200, Height: 120})
	require.NoError(t, err)
	b, err := active.CreateDummyImageAsset(ctx, asset.ImageSpec{Width: 200, Height: 120})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.NotEmpty(t, a.Path)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Path, b.Path)
	assert.Equal(t, 200, a.Width)

	se, err := active.CreateDummyAudioAsset(ctx, asset.AudioSpec{
		ID: "dummy-audio-asset-id", Path: "dummy-audio-asset-path", Duration: 1290, SystemID: "sound",
	})
	require.NoError(t, err)
	assert.Equal(t, "dummy-audio-asset-id", se.ID)
	assert.Equal(t, "dummy-audio-asset-path", se.Path)
	assert.Equal(t, 1290, se.Duration)
	assert.False(t, se.Loop)
	assert.Nil(t, se.Hint)

	bgm, err := active.CreateDummyAudioAsset(ctx, asset.AudioSpec{
		Duration: 10491, SystemID: "music", Loop: true, Hint: map[string]any{"streaming": true},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, bgm.ID)
	assert.NotEmpty(t, bgm.Path)
	assert.True(t, bgm.Loop)
	assert.Equal(t, map[string]any{"streaming": true}, bgm.Hint)
	assert.Equal(t, "music", bgm.System.ID)

	def, err := active.CreateDummyAudioAsset(ctx, asset.AudioSpec{Duration: 10})
	require.NoError(t, err)
	assert.Equal(t, active.Game().DefaultAudioSystemID(), def.System.ID)

	_, err = active.CreateDummyAudioAsset(ctx, asset.AudioSpec{Duration: 10, SystemID: "voice"})
	assert.ErrorIs(t, err, apperr.ErrResolution)
}

func TestDummyAssetsOnCanvasRunner(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{})
	active, err := c.GameClient(ctx, StartParams{RenderingMode: render.ModeCanvas})
	require.NoError(t, err)

	img, err := active.CreateDummyImageAsset(ctx, asset.ImageSpec{Width: 8, Height: 4})
	require.NoError(t, err)
	require.NotNil(t, img.Surface)
	assert.Equal(t, 8, img.Surface.Width())
}

func TestUnknownVersionHasNoFactory(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{AssetTable: asset.Table{}})
	active, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	_, err = active.CreateDummyImageAsset(ctx, asset.ImageSpec{Width: 1, Height: 1})
	assert.ErrorIs(t, err, apperr.ErrResolution)
}

func TestPrimarySurface(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: helloworld})

	active, err := c.GameClient(ctx, StartParams{RenderingMode: render.ModeCanvas})
	require.NoError(t, err)
	s, err := active.PrimarySurface()
	require.NoError(t, err)
	assert.Equal(t, 800, s.Width())
	assert.Equal(t, 450, s.Height())

	passive, err := c.PassiveGameClient(ctx, StartParams{})
	require.NoError(t, err)
	_, err = passive.PrimarySurface()
	assert.ErrorIs(t, err, apperr.ErrUsage)

	old := newContext(t, Options{GameJSONPath: legacy})
	lc, err := old.GameClient(ctx, StartParams{RenderingMode: render.ModeCanvas})
	require.NoError(t, err)
	assert.Equal(t, engine.V1, lc.Game().Version())
	_, err = lc.PrimarySurface()
	assert.ErrorIs(t, err, apperr.ErrUsage)

	// v1 runtimes only get the null factory even with a surface
	img, err := lc.CreateDummyImageAsset(ctx, asset.ImageSpec{Width: 2, Height: 2})
	require.NoError(t, err)
	assert.Nil(t, img.Surface)
}

func TestUnsupportedRenderingMode(t *testing.T) {
	c := newContext(t, Options{})
	_, err := c.GameClient(context.Background(), StartParams{RenderingMode: "webgl"})
	assert.ErrorIs(t, err, apperr.ErrUsage)
}

func TestMissingBackendDiagnostics(t *testing.T) {
	cases := []struct {
		mode render.Mode
		hint string
	}{
		{render.ModeCanvas, `"canvas"`},
		{render.ModeNapiCanvas, `"@napi-rs/canvas"`},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			diag := &bytes.Buffer{}
			c := newContext(t, Options{Registry: render.NewRegistry(), DiagnosticWriter: diag})

			_, err := c.GameClient(context.Background(), StartParams{RenderingMode: tc.mode})
			var missing *render.MissingBackendError
			require.True(t, errors.As(err, &missing), "%v", err)
			assert.Equal(t, tc.mode, missing.Mode)
			assert.Contains(t, diag.String(), tc.hint)
			assert.Equal(t, err, c.Err())
		})
	}
}

func TestAuthoringRunnerIsUnique(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: helloworld})
	_, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	_, err = c.CreateRunner(ctx, runner.Active, StartParams{})
	assert.ErrorIs(t, err, apperr.ErrUsage)

	none := newContext(t, Options{})
	_, err = none.CreateRunner(ctx, runner.Passive, StartParams{})
	assert.ErrorIs(t, err, apperr.ErrUsage)
}

func TestAdvanceUniform(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: helloworld})
	active, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	passive, err := c.PassiveGameClient(ctx, StartParams{})
	require.NoError(t, err)

	require.NoError(t, active.SendJoinEvent(ctx, "p1", "alice"))
	require.NoError(t, c.AdvanceUniform(ctx, 1000))
	assert.EqualValues(t, 60, active.Game().Age())
	assert.EqualValues(t, 60, passive.Runner().Consumed())
	assert.Equal(t, 1000.0, active.Runner().SimTime())

	var joins []gameEvent
	require.NoError(t, passive.Game().EvalJSON("g.game.vars.joins", &joins))
	assert.Len(t, joins, 1)
}

func TestAdvanceFramewiseNeedsRunner(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{})
	assert.ErrorIs(t, c.AdvanceFramewise(ctx, 100), apperr.ErrUsage)
	_, err := c.CreateSession(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, c.AdvanceFramewise(ctx, 100), apperr.ErrUsage)
}

func TestAdvanceFramewiseRounds(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{})
	active, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)

	// exactly one second at 60fps is sixty rounds, not sixty-one
	require.NoError(t, c.AdvanceFramewise(ctx, 1000))
	assert.EqualValues(t, 60, active.Game().Age())

	require.NoError(t, c.AdvanceFramewise(ctx, 1))
	assert.EqualValues(t, 61, active.Game().Age())
}

func TestStepAllOnce(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: helloworld})
	active, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	passive, err := c.PassiveGameClient(ctx, StartParams{})
	require.NoError(t, err)

	c.StepAllOnce(ctx)
	assert.EqualValues(t, 1, active.Game().Age())
	require.NoError(t, passive.AdvanceToLatest(ctx, 0))
	assert.EqualValues(t, 1, passive.Game().Age())

	active.Runner().Stop()
	c.StepAllOnce(ctx)
	assert.EqualValues(t, 1, passive.Runner().Consumed())
}

func TestRaisedEventsReachAuthoringRunner(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: raiseEvent})
	active, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	_, err = c.PassiveGameClient(ctx, StartParams{GameArgs: map[string]any{
		"messageEvents": []any{
			[]any{0, map[string]any{"n": 1}},
			[]any{100, map[string]any{"n": 2}},
		},
	}})
	require.NoError(t, err)

	require.NoError(t, c.AdvanceFramewise(ctx, 500))
	var received []map[string]int
	require.NoError(t, active.Game().EvalJSON("g.game.vars.received", &received))
	assert.Equal(t, []map[string]int{{"n": 1}, {"n": 2}}, received)
}

func TestReplayRecordedPlaylog(t *testing.T) {
	ctx := context.Background()
	rec := newContext(t, Options{GameJSONPath: helloworld})
	active, err := rec.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	require.NoError(t, active.SendJoinEvent(ctx, "p1", "alice"))
	require.NoError(t, rec.AdvanceUniform(ctx, 500))
	require.NoError(t, active.SendPointDown(ctx, 10, 10, 1))
	require.NoError(t, rec.AdvanceUniform(ctx, 100))

	recorded, err := rec.DumpPlaylog(ctx)
	require.NoError(t, err)
	raw, err := json.Marshal(recorded)
	require.NoError(t, err)
	dump := &playlog.Dump{}
	require.NoError(t, json.Unmarshal(raw, dump))
	require.Len(t, dump.Ticks, int(active.Game().Age()))
	assert.EqualValues(t, active.Game().Age()-1, dump.Ticks[len(dump.Ticks)-1].Age)
	require.Len(t, dump.StartPoints, 1)

	replay := newContext(t, Options{GameJSONPath: helloworld, Playlog: dump})
	client, err := replay.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	assert.Equal(t, runner.Passive, client.Kind())
	_, err = replay.CreateRunner(ctx, runner.Active, StartParams{})
	assert.ErrorIs(t, err, apperr.ErrUsage)

	require.NoError(t, client.AdvanceToLatest(ctx, 0))
	assert.Equal(t, active.Game().Age(), client.Game().Age())

	var want, got []float64
	require.NoError(t, active.Game().EvalJSON("g.game.scene().children.map(function (e) { return e.x; })", &want))
	require.NoError(t, client.Game().EvalJSON("g.game.scene().children.map(function (e) { return e.x; })", &got))
	assert.Equal(t, want, got)
	assert.Len(t, got, 2)
}

func TestSessionReplacementStopsRunners(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{})
	first, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	id := c.PlayID()

	second, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	assert.NotEqual(t, id, c.PlayID())
	assert.Equal(t, runner.StateStopped, first.Runner().State())
	assert.Equal(t, runner.StatePaused, second.Runner().State())
}

func TestTeardownTwice(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{GameJSONPath: helloworld})
	client, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)

	require.NoError(t, c.TeardownSession(ctx))
	require.NoError(t, c.TeardownSession(ctx))
	assert.Empty(t, c.PlayID())
	assert.Equal(t, runner.StateStopped, client.Runner().State())
	_, err = c.DumpPlaylog(ctx)
	assert.ErrorIs(t, err, apperr.ErrUsage)
}

func TestVerbose(t *testing.T) {
	ctx := context.Background()

	quiet := &bytes.Buffer{}
	c := newContext(t, Options{GameJSONPath: helloworld, LogWriter: quiet})
	_, err := c.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	assert.Empty(t, quiet.String())

	loud := &bytes.Buffer{}
	v := newContext(t, Options{GameJSONPath: helloworld, Verbose: true, LogWriter: loud})
	_, err = v.GameClient(ctx, StartParams{})
	require.NoError(t, err)
	assert.Contains(t, loud.String(), "play created")
}

func TestPointerDeltas(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{})
	client, err := c.GameClient(ctx, StartParams{Player: &runner.Player{ID: "me", Name: "Me"}})
	require.NoError(t, err)

	require.NoError(t, client.SendPointDown(ctx, 10, 10, 3))
	require.NoError(t, client.SendPointMove(ctx, 15, 12, 3))
	require.NoError(t, client.SendPointMove(ctx, 18, 18, 3))
	require.NoError(t, client.SendPointUp(ctx, 20, 20, 3, WithPlayer("other"), WithFlags(1)))
	require.NoError(t, client.SendPointMove(ctx, 5, 5, 4))

	ops, err := client.Runner().Log().ReadEvents(ctx, 0)
	require.NoError(t, err)
	want := []playlog.Operation{
		playlog.PointDown(0, "me", 3, 10, 10),
		playlog.PointMove(0, "me", 3, 15, 12, 5, 2, 5, 2),
		playlog.PointMove(0, "me", 3, 18, 18, 8, 8, 3, 6),
		playlog.PointUp(1, "other", 3, 20, 20, 10, 10, 2, 2),
		playlog.PointMove(0, "me", 4, 5, 5, 0, 0, 0, 0),
	}
	assert.Equal(t, want, ops)
}

func TestMessageWithoutRecipient(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, Options{})
	client, err := c.GameClient(ctx, StartParams{Player: &runner.Player{ID: "me"}})
	require.NoError(t, err)

	require.NoError(t, client.SendMessage(ctx, []int{1, 2}))
	ops, err := client.Runner().Log().ReadEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Empty(t, ops[0].PlayerID)
	assert.Equal(t, 0, ops[0].Flags)
	assert.JSONEq(t, `[1,2]`, string(ops[0].Data))

	assert.Error(t, client.SendMessage(ctx, make(chan int)))
}
