package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/kasuganosora/playtest/apperr"
	"github.com/kasuganosora/playtest/asset"
	"github.com/kasuganosora/playtest/engine"
	"github.com/kasuganosora/playtest/render"
	"github.com/kasuganosora/playtest/runner"
)

// Client is a test's handle on one runner. It embeds the runner's
// EventInjector.
type Client struct {
	*EventInjector

	ctx    *Context
	r      *runner.Runner
	params StartParams
}

func newClient(c *Context, r *runner.Runner, params StartParams) *Client {
	var self string
	if params.Player != nil {
		self = params.Player.ID
	}
	return &Client{
		EventInjector: newEventInjector(r.Log(), self),
		ctx:           c,
		r:             r,
		params:        params,
	}
}

// Kind is active for the authoring client and passive otherwise.
func (c *Client) Kind() runner.Kind { return c.r.Kind() }

func (c *Client) Runner() *runner.Runner { return c.r }

// Game returns the running game.
func (c *Client) Game() *engine.Game { return c.r.Game() }

// Condition is a predicate over game state.
type Condition func(g *engine.Game) bool

// AdvanceUntil steps the runner until cond holds or timeout (real time)
// passes. Zero uses the configured default.
func (c *Client) AdvanceUntil(ctx context.Context, cond Condition, timeout time.Duration) error {
	if cond == nil {
		return apperr.Usage("harness.AdvanceUntil", "condition is required")
	}
	return c.r.AdvanceUntil(ctx, func() bool { return cond(c.r.Game()) }, timeout)
}

// AdvanceToLatest catches a passive client up with the log.
func (c *Client) AdvanceToLatest(ctx context.Context, timeout time.Duration) error {
	return c.r.AdvanceToLatest(ctx, timeout)
}

// PrimarySurface returns what the game drew. Only canvas mode on v3
// runtimes draws.
func (c *Client) PrimarySurface() (render.Surface, error) {
	mode := c.r.RenderingMode()
	if mode != render.ModeCanvas {
		return nil, apperr.Usage("harness.PrimarySurface", "rendering mode %q is not supported", string(mode))
	}
	g := c.Game()
	if g == nil {
		return nil, apperr.Usage("harness.PrimarySurface", "runner is not started")
	}
	if g.Version() != engine.V3 {
		return nil, apperr.Usage("harness.PrimarySurface", "rendering mode %q is only supported on %s runtimes, got %s", string(mode), engine.V3, g.Version())
	}
	return g.Surface(), nil
}

func (c *Client) materializer() (*asset.Materializer, error) {
	g := c.Game()
	if g == nil {
		return nil, apperr.Usage("harness.materializer", "runner is not started")
	}
	return asset.NewMaterializer(c.ctx.opts.AssetTable, g, c.r.Provider(), c.ctx.logger), nil
}

// CreateDummyImageAsset builds an image asset with the factory of the game's
// runtime version.
func (c *Client) CreateDummyImageAsset(ctx context.Context, spec asset.ImageSpec) (*asset.ImageAsset, error) {
	m, err := c.materializer()
	if err != nil {
		return nil, err
	}
	return m.CreateImage(ctx, spec)
}

// CreateDummyAudioAsset builds an audio asset bound to spec.SystemID, or to
// the game's default audio system.
func (c *Client) CreateDummyAudioAsset(ctx context.Context, spec asset.AudioSpec) (*asset.AudioAsset, error) {
	m, err := c.materializer()
	if err != nil {
		return nil, err
	}
	return m.CreateAudio(ctx, spec)
}

// SceneIs holds once the current scene is named name.
func SceneIs(name string) Condition {
	return func(g *engine.Game) bool { return g.SceneName() == name }
}

// VarLenAtLeast holds once the array g.game.vars[name] has n or more
// elements.
func VarLenAtLeast(name string, n int) Condition {
	src := fmt.Sprintf("(g.game.vars[%q] || []).length", name)
	return func(g *engine.Game) bool {
		v, err := g.Eval(src)
		if err != nil {
			return false
		}
		l, ok := v.(int64)
		return ok && l >= int64(n)
	}
}
